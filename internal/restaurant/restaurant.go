// Package restaurant loads the read-only restaurant configuration: names,
// brand themes and the offers on each wheel.
package restaurant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosimple/slug"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/jredh-dev/spinwheel/pkg/models"
)

// Default theme colors.
const (
	DefaultPrimary   = "#E91E63"
	DefaultSecondary = "#FF9800"
	DefaultAccent    = "#FFEB3B"
)

// UnknownName is returned by NameByID for unknown restaurants.
const UnknownName = "Unknown Restaurant"

var fallbackRGB = map[string]string{
	DefaultPrimary:   "233, 30, 99",
	DefaultSecondary: "255, 152, 0",
	DefaultAccent:    "255, 235, 59",
}

var hexPattern = regexp.MustCompile(`(?i)^#?([a-f\d]{2})([a-f\d]{2})([a-f\d]{2})$`)

// HexToRGB converts "#RRGGBB" to an "r, g, b" triplet.
func HexToRGB(hex string) (string, bool) {
	m := hexPattern.FindStringSubmatch(strings.TrimSpace(hex))
	if m == nil {
		return "", false
	}
	parts := make([]string, 3)
	for i := range parts {
		v, _ := strconv.ParseUint(m[i+1], 16, 8)
		parts[i] = strconv.FormatUint(v, 10)
	}
	return strings.Join(parts, ", "), true
}

func themeColor(hex, def string) (string, string) {
	if hex == "" {
		hex = def
	}
	rgb, ok := HexToRGB(hex)
	if !ok {
		rgb = fallbackRGB[def]
	}
	return hex, rgb
}

// ApplyTheme fills missing colors with the defaults and derives the RGB
// triplets. An unparseable color keeps its value but gets the default
// triplet.
func ApplyTheme(t models.Theme) models.Theme {
	var out models.Theme
	out.Primary, out.PrimaryRGB = themeColor(t.Primary, DefaultPrimary)
	out.Secondary, out.SecondaryRGB = themeColor(t.Secondary, DefaultSecondary)
	out.Accent, out.AccentRGB = themeColor(t.Accent, DefaultAccent)
	return out
}

// Parse decodes a restaurant list. format is "yaml" or "json".
func Parse(data []byte, format string) ([]models.Restaurant, error) {
	var list []models.Restaurant
	var err error
	switch format {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, &list)
	default:
		err = json.Unmarshal(data, &list)
	}
	if err != nil {
		return nil, fmt.Errorf("parse restaurants: %w", err)
	}

	out := list[:0]
	seen := make(map[string]bool, len(list))
	for _, r := range list {
		if r.ID == "" {
			r.ID = slug.Make(r.Name)
		}
		if r.ID == "" || seen[r.ID] {
			slog.Default().Warn("skipping restaurant", "component", "restaurant", "name", r.Name, "id", r.ID)
			continue
		}
		seen[r.ID] = true
		r.Theme = ApplyTheme(r.Theme)
		out = append(out, r)
	}
	return out, nil
}

func formatOf(name, contentType string) string {
	if strings.Contains(contentType, "yaml") {
		return "yaml"
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "json"
}

// Catalog loads the restaurant list once and caches it. A failed load is
// not cached; the next call tries again.
type Catalog struct {
	source     string
	httpClient *http.Client
	group      singleflight.Group
	log        *slog.Logger

	mu     sync.RWMutex
	items  []models.Restaurant
	loaded bool
}

// NewCatalog reads restaurants from source, a file path or an http(s) URL.
func NewCatalog(source string) *Catalog {
	return &Catalog{
		source:     source,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        slog.Default().With("component", "restaurant"),
	}
}

// Load returns the restaurant list, reading it on first use. Concurrent
// first calls share one read. On failure it logs and returns an empty list
// along with the error.
func (c *Catalog) Load(ctx context.Context) ([]models.Restaurant, error) {
	c.mu.RLock()
	if c.loaded {
		items := c.items
		c.mu.RUnlock()
		return items, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("load", func() (any, error) {
		items, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.items, c.loaded = items, true
		c.mu.Unlock()
		c.log.Info("restaurants loaded", "count", len(items), "source", c.source)
		return items, nil
	})
	if err != nil {
		c.log.Error("failed to load restaurants", "source", c.source, "error", err)
		return nil, err
	}
	return v.([]models.Restaurant), nil
}

func (c *Catalog) read(ctx context.Context) ([]models.Restaurant, error) {
	if strings.HasPrefix(c.source, "http://") || strings.HasPrefix(c.source, "https://") {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch restaurants: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch restaurants: status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("fetch restaurants: %w", err)
		}
		return Parse(data, formatOf(req.URL.Path, resp.Header.Get("Content-Type")))
	}

	data, err := os.ReadFile(c.source)
	if err != nil {
		return nil, fmt.Errorf("read restaurants: %w", err)
	}
	return Parse(data, formatOf(c.source, ""))
}

// All returns every restaurant, or nil when loading fails.
func (c *Catalog) All(ctx context.Context) []models.Restaurant {
	items, _ := c.Load(ctx)
	return items
}

// ByID returns the restaurant with the given ID.
func (c *Catalog) ByID(ctx context.Context, id string) (*models.Restaurant, bool) {
	for _, r := range c.All(ctx) {
		if r.ID == id {
			r := r
			return &r, true
		}
	}
	return nil, false
}

// NameByID returns the restaurant's name, or UnknownName.
func (c *Catalog) NameByID(ctx context.Context, id string) string {
	if r, ok := c.ByID(ctx, id); ok {
		return r.Name
	}
	return UnknownName
}
