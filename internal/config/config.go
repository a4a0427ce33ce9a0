// Package config loads client and twin settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jredh-dev/spinwheel/internal/animation"
)

// Identity backends.
const (
	IdentityFirebase = "firebase"
	IdentityLocal    = "local"
)

// Config holds all settings.
type Config struct {
	API        APIConfig
	Storage    StorageConfig
	Spin       SpinConfig
	Identity   IdentityConfig
	Kafka      KafkaConfig
	Twin       TwinConfig
	Log        LogConfig
	Restaurant RestaurantConfig
}

type APIConfig struct {
	BaseURL          string
	DashboardRefresh time.Duration
}

type StorageConfig struct {
	DataDir    string
	SessionTTL time.Duration
}

// DBPath is the sqlite file inside DataDir.
func (s StorageConfig) DBPath() string {
	return filepath.Join(s.DataDir, "spinwheel.db")
}

type SpinConfig struct {
	DailyCap     int
	Presentation animation.Presentation
}

type IdentityConfig struct {
	Backend         string // firebase or local
	FirebaseAPIKey  string
	LocalSigningKey string
	SettleTimeout   time.Duration
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

// Enabled reports whether analytics should go to Kafka.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type TwinConfig struct {
	Addr string
}

type LogConfig struct {
	Level slog.Level
	File  string
}

type RestaurantConfig struct {
	// Source is a file path or http(s) URL.
	Source string
}

// Load reads .env (if present) and the environment. Malformed values are
// reported together.
func Load() (*Config, error) {
	loadDotEnv()
	return FromEnv(os.Getenv)
}

// LoadTwin is Load for the twin backend, which always validates tokens
// from the local identity provider.
func LoadTwin() (*Config, error) {
	loadDotEnv()
	return FromEnv(func(key string) string {
		if key == "SPIN_IDENTITY" {
			return IdentityLocal
		}
		return os.Getenv(key)
	})
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not read .env", "error", err)
	}
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}
	cfg := &Config{
		API: APIConfig{
			BaseURL:          strings.TrimRight(e.str("SPIN_API_BASE_URL", "http://localhost:8000"), "/"),
			DashboardRefresh: e.duration("SPIN_DASHBOARD_REFRESH", 5*time.Minute),
		},
		Storage: StorageConfig{
			DataDir:    e.str("SPIN_DATA_DIR", defaultDataDir()),
			SessionTTL: e.duration("SPIN_SESSION_TTL", 30*time.Minute),
		},
		Spin: SpinConfig{
			DailyCap: e.positiveInt("SPIN_DAILY_CAP", 3),
		},
		Identity: IdentityConfig{
			Backend:         strings.ToLower(e.str("SPIN_IDENTITY", IdentityFirebase)),
			FirebaseAPIKey:  e.str("FIREBASE_API_KEY", ""),
			LocalSigningKey: e.str("SPIN_LOCAL_SIGNING_KEY", ""),
			SettleTimeout:   e.duration("SPIN_AUTH_SETTLE_TIMEOUT", 2*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: e.list("KAFKA_BROKERS"),
			GroupID: e.str("KAFKA_GROUP_ID", "spin-twin"),
		},
		Twin: TwinConfig{
			Addr: e.str("SPIN_TWIN_ADDR", ":8000"),
		},
		Log: LogConfig{
			Level: e.level("LOG_LEVEL", slog.LevelInfo),
			File:  e.str("SPIN_LOG_FILE", "spin.log"),
		},
		Restaurant: RestaurantConfig{
			Source: e.str("SPIN_RESTAURANTS", "./restaurants.json"),
		},
	}

	pres, err := animation.ParsePresentation(e.str("SPIN_PRESENTATION", "reel"))
	if err != nil {
		e.fail("SPIN_PRESENTATION", err)
	}
	cfg.Spin.Presentation = pres

	switch cfg.Identity.Backend {
	case IdentityFirebase:
		if cfg.Identity.FirebaseAPIKey == "" {
			e.fail("FIREBASE_API_KEY", errors.New("required when SPIN_IDENTITY=firebase"))
		}
	case IdentityLocal:
		if cfg.Identity.LocalSigningKey == "" {
			e.fail("SPIN_LOCAL_SIGNING_KEY", errors.New("required when SPIN_IDENTITY=local"))
		}
	default:
		e.fail("SPIN_IDENTITY", fmt.Errorf("unknown backend %q", cfg.Identity.Backend))
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".spinwheel"
	}
	return filepath.Join(home, ".spinwheel")
}

type env struct {
	get  func(string) string
	errs []error
}

func (e *env) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		e.fail(key, fmt.Errorf("invalid duration %q", v))
		return def
	}
	return d
}

func (e *env) positiveInt(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		e.fail(key, fmt.Errorf("invalid positive integer %q", v))
		return def
	}
	return n
}

func (e *env) list(key string) []string {
	var out []string
	for _, part := range strings.Split(e.str(key, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (e *env) level(key string, def slog.Level) slog.Level {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		e.fail(key, fmt.Errorf("invalid level %q", v))
		return def
	}
	return l
}
