package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/jredh-dev/spinwheel/internal/profile"
	"github.com/jredh-dev/spinwheel/internal/storage"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

const (
	bcryptCost      = 12
	localIssuer     = "spinwheel-local"
	localTokenKey   = "spinAppLocalIdentity"
	refreshWindow   = 5 * time.Minute
	defaultTokenTTL = time.Hour
)

const localSchema = `
CREATE TABLE IF NOT EXISTS identity_users (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL,
	email_hash    TEXT UNIQUE NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	phone_number  TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
`

// Claims are carried by tokens the Local provider issues.
type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	Name   string `json:"name,omitempty"`
	Phone  string `json:"phone_number,omitempty"`
	jwt.RegisteredClaims
}

// User returns the identity described by the claims.
func (c *Claims) User() models.User {
	return models.User{UID: c.UserID, Email: c.Email, DisplayName: c.Name, Phone: c.Phone}
}

// ParseToken verifies an HS256 token signed with key and checks it has not
// expired at now.
func ParseToken(tokenString string, key []byte, now time.Time) (*Claims, error) {
	claims, err := parseSigned(tokenString, key)
	if err != nil {
		return nil, err
	}
	if !claims.VerifyExpiresAt(now, true) {
		return nil, fmt.Errorf("token expired")
	}
	return claims, nil
}

// parseSigned checks the signature only.
func parseSigned(tokenString string, key []byte) (*Claims, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Local is a self-contained identity provider backed by SQLite. The
// signed-in token is kept in a durable KV so the session survives restarts.
type Local struct {
	conn  *sql.DB
	kv    storage.KV
	key   []byte
	ttl   time.Duration
	cost  int
	clock clockwork.Clock
	w     *watcher
	log   *slog.Logger
}

// LocalOption configures a Local provider.
type LocalOption func(*Local)

// WithLocalClock sets the clock used to stamp and check tokens.
func WithLocalClock(c clockwork.Clock) LocalOption {
	return func(l *Local) { l.clock = c }
}

// WithTokenTTL sets how long issued tokens stay valid.
func WithTokenTTL(d time.Duration) LocalOption {
	return func(l *Local) { l.ttl = d }
}

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) LocalOption {
	return func(l *Local) { l.cost = cost }
}

// NewLocal creates the user table in db if needed and restores any
// persisted sign-in from kv.
func NewLocal(db *storage.DB, kv storage.KV, signingKey string, opts ...LocalOption) (*Local, error) {
	if signingKey == "" {
		return nil, errors.New("local identity: signing key is required")
	}
	l := &Local{
		conn:  db.Conn(),
		kv:    kv,
		key:   []byte(signingKey),
		ttl:   defaultTokenTTL,
		cost:  bcryptCost,
		clock: clockwork.NewRealClock(),
		w:     newWatcher(Session{Loading: true}),
		log:   slog.Default().With("component", "identity", "provider", "local"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if _, err := l.conn.Exec(localSchema); err != nil {
		return nil, fmt.Errorf("local identity schema: %w", err)
	}
	l.restore()
	return l, nil
}

func (l *Local) restore() {
	raw, ok, err := l.kv.Get(localTokenKey)
	if err != nil || !ok {
		l.w.set(Session{})
		return
	}
	claims, err := parseSigned(string(raw), l.key)
	if err != nil {
		l.log.Warn("dropping unreadable stored token", "error", err)
		l.kv.Delete(localTokenKey)
		l.w.set(Session{})
		return
	}
	u, err := l.userByID(claims.UserID)
	if err != nil || u == nil {
		l.kv.Delete(localTokenKey)
		l.w.set(Session{})
		return
	}
	if _, err := l.startSession(*u); err != nil {
		l.log.Error("restore session", "error", err)
		l.w.set(Session{})
	}
}

type localUser struct {
	models.User
	passwordHash string
}

func (l *Local) scanUser(row *sql.Row) (*localUser, error) {
	var u localUser
	err := row.Scan(&u.UID, &u.Email, &u.DisplayName, &u.Phone, &u.passwordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (l *Local) userByEmail(email string) (*localUser, error) {
	return l.scanUser(l.conn.QueryRow(
		`SELECT id, email, display_name, phone_number, password_hash FROM identity_users WHERE email_hash = ?`,
		profile.EmailHash(email)))
}

func (l *Local) userByID(id string) (*models.User, error) {
	u, err := l.scanUser(l.conn.QueryRow(
		`SELECT id, email, display_name, phone_number, password_hash FROM identity_users WHERE id = ?`, id))
	if err != nil || u == nil {
		return nil, err
	}
	return &u.User, nil
}

func (l *Local) issue(u models.User) (string, error) {
	now := l.clock.Now()
	claims := Claims{
		UserID: u.UID,
		Email:  u.Email,
		Name:   u.DisplayName,
		Phone:  u.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    localIssuer,
			Subject:   u.UID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(l.ttl)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.key)
}

func (l *Local) startSession(u models.User) (Session, error) {
	tok, err := l.issue(u)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	if err := l.kv.Set(localTokenKey, []byte(tok)); err != nil {
		return Session{}, fmt.Errorf("persist token: %w", err)
	}
	s := Session{Authenticated: true, User: &u, Token: tok}
	l.w.set(s)
	return s, nil
}

// SignUp registers a new account and signs it in.
func (l *Local) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	if err := profile.ValidateCredentials(email, password); err != nil {
		return Session{}, err
	}
	if err := profile.ValidatePassword(password); err != nil {
		return Session{}, err
	}
	existing, err := l.userByEmail(email)
	if err != nil {
		return Session{}, fmt.Errorf("lookup user: %w", err)
	}
	if existing != nil {
		return Session{}, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), l.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	now := l.clock.Now().UnixNano()
	u := models.User{
		UID:         uuid.New().String(),
		Email:       strings.TrimSpace(email),
		DisplayName: profile.Normalize(displayName),
	}
	_, err = l.conn.ExecContext(ctx,
		`INSERT INTO identity_users (id, email, email_hash, display_name, phone_number, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', ?, ?, ?)`,
		u.UID, u.Email, profile.EmailHash(email), u.DisplayName, string(hash), now, now)
	if err != nil {
		return Session{}, fmt.Errorf("create user: %w", err)
	}
	l.log.Info("account created", "uid", u.UID)
	return l.startSession(u)
}

// SignIn checks credentials and starts a session.
func (l *Local) SignIn(ctx context.Context, email, password string) (Session, error) {
	if err := profile.ValidateCredentials(email, password); err != nil {
		return Session{}, err
	}
	u, err := l.userByEmail(email)
	if err != nil {
		return Session{}, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		return Session{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	return l.startSession(u.User)
}

// SignOut ends the session.
func (l *Local) SignOut(ctx context.Context) error {
	if err := l.kv.Delete(localTokenKey); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	l.w.set(Session{})
	return nil
}

// Token returns the current token, re-issuing it when it is close to
// expiry.
func (l *Local) Token(ctx context.Context) (string, error) {
	s := l.w.get()
	if !s.Authenticated || s.User == nil {
		return "", ErrNotSignedIn
	}
	claims, err := parseSigned(s.Token, l.key)
	if err == nil && claims.VerifyExpiresAt(l.clock.Now().Add(refreshWindow), true) {
		return s.Token, nil
	}
	u, err := l.userByID(s.User.UID)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if u == nil {
		l.SignOut(ctx)
		return "", ErrNotSignedIn
	}
	next, err := l.startSession(*u)
	if err != nil {
		return "", err
	}
	return next.Token, nil
}

// UpdateDisplayName changes the signed-in user's display name.
func (l *Local) UpdateDisplayName(ctx context.Context, name string) error {
	s := l.w.get()
	if !s.Authenticated || s.User == nil {
		return ErrNotSignedIn
	}
	name = profile.Normalize(name)
	if _, err := l.conn.ExecContext(ctx,
		`UPDATE identity_users SET display_name = ?, updated_at = ? WHERE id = ?`,
		name, l.clock.Now().UnixNano(), s.User.UID); err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	u := *s.User
	u.DisplayName = name
	_, err := l.startSession(u)
	return err
}

// SigningKey returns the key tokens are signed with.
func (l *Local) SigningKey() []byte { return l.key }

func (l *Local) Session() Session         { return l.w.get() }
func (l *Local) Changes() <-chan struct{} { return l.w.changes() }
