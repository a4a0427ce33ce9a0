package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"

	"github.com/jredh-dev/spinwheel/internal/profile"
	"github.com/jredh-dev/spinwheel/internal/storage"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

const (
	DefaultIdentityToolkitURL = "https://identitytoolkit.googleapis.com/v1"
	DefaultSecureTokenURL     = "https://securetoken.googleapis.com/v1"

	firebaseRefreshKey = "spinAppFirebaseRefresh"
)

// firebaseClaims are the fields read from a Firebase ID token. The client
// does not verify the signature; the backend does.
type firebaseClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Phone  string `json:"phone_number"`
	jwt.RegisteredClaims
}

// Firebase signs in against the Firebase Auth REST API with an API key.
// The refresh token is kept in a durable KV so the session survives
// restarts.
type Firebase struct {
	apiKey      string
	identityURL string
	tokenURL    string
	httpClient  *http.Client
	kv          storage.KV
	clock       clockwork.Clock
	log         *slog.Logger

	mu           sync.Mutex
	refreshToken string
	expiresAt    time.Time

	w *watcher
}

// FirebaseOption configures a Firebase provider.
type FirebaseOption func(*Firebase)

// WithEndpoints points the provider at alternative Identity Toolkit and
// Secure Token base URLs.
func WithEndpoints(identityURL, tokenURL string) FirebaseOption {
	return func(f *Firebase) {
		f.identityURL = strings.TrimRight(identityURL, "/")
		f.tokenURL = strings.TrimRight(tokenURL, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) FirebaseOption {
	return func(f *Firebase) { f.httpClient = c }
}

// WithFirebaseClock sets the clock used for token expiry.
func WithFirebaseClock(c clockwork.Clock) FirebaseOption {
	return func(f *Firebase) { f.clock = c }
}

// NewFirebase returns a provider that reports Loading until Restore runs.
func NewFirebase(apiKey string, kv storage.KV, opts ...FirebaseOption) *Firebase {
	f := &Firebase{
		apiKey:      apiKey,
		identityURL: DefaultIdentityToolkitURL,
		tokenURL:    DefaultSecureTokenURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		kv:          kv,
		clock:       clockwork.NewRealClock(),
		log:         slog.Default().With("component", "identity", "provider", "firebase"),
		w:           newWatcher(Session{Loading: true}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Restore exchanges a persisted refresh token for a fresh session. It
// always leaves the provider settled.
func (f *Firebase) Restore(ctx context.Context) {
	raw, ok, err := f.kv.Get(firebaseRefreshKey)
	if err != nil || !ok || len(raw) == 0 {
		f.w.set(Session{})
		return
	}
	f.mu.Lock()
	f.refreshToken = string(raw)
	f.mu.Unlock()

	if _, err := f.refresh(ctx); err != nil {
		f.log.Warn("could not restore session", "error", err)
		f.clear()
	}
}

// apiError is the error envelope of both Firebase endpoints.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func mapFirebaseError(status int, body []byte) error {
	var e apiError
	if json.Unmarshal(body, &e) != nil || e.Error.Message == "" {
		return fmt.Errorf("firebase: %s", http.StatusText(status))
	}
	code := e.Error.Message
	if i := strings.IndexAny(code, " :"); i > 0 {
		code = code[:i]
	}
	switch code {
	case "EMAIL_EXISTS":
		return ErrEmailExists
	case "EMAIL_NOT_FOUND", "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "INVALID_EMAIL":
		return ErrInvalidCredentials
	case "WEAK_PASSWORD":
		return profile.ErrPasswordTooShort
	case "TOKEN_EXPIRED", "INVALID_REFRESH_TOKEN", "USER_NOT_FOUND", "USER_DISABLED", "INVALID_ID_TOKEN":
		return ErrNotSignedIn
	}
	return fmt.Errorf("firebase: %s", e.Error.Message)
}

func (f *Firebase) do(ctx context.Context, req *http.Request, out any) error {
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("firebase request: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("firebase read: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return mapFirebaseError(resp.StatusCode, buf.Bytes())
	}
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return fmt.Errorf("firebase decode: %w", err)
	}
	return nil
}

func (f *Firebase) postAccounts(ctx context.Context, method string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/accounts:%s?key=%s", f.identityURL, method, url.QueryEscape(f.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return f.do(ctx, req, out)
}

type authResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// adopt installs a new token pair and publishes the resulting session.
func (f *Firebase) adopt(idToken, refreshToken, expiresIn string, fallback models.User) (Session, error) {
	user := fallback
	if claims, err := readFirebaseClaims(idToken); err == nil {
		if claims.UserID != "" {
			user.UID = claims.UserID
		} else if claims.Subject != "" {
			user.UID = claims.Subject
		}
		if claims.Email != "" {
			user.Email = claims.Email
		}
		if claims.Name != "" {
			user.DisplayName = claims.Name
		}
		if claims.Phone != "" {
			user.Phone = claims.Phone
		}
	} else {
		f.log.Debug("id token claims unreadable", "error", err)
	}

	secs, _ := strconv.Atoi(expiresIn)
	if secs <= 0 {
		secs = 3600
	}

	f.mu.Lock()
	if refreshToken != "" {
		f.refreshToken = refreshToken
	}
	f.expiresAt = f.clock.Now().Add(time.Duration(secs) * time.Second)
	rt := f.refreshToken
	f.mu.Unlock()

	if err := f.kv.Set(firebaseRefreshKey, []byte(rt)); err != nil {
		return Session{}, fmt.Errorf("persist refresh token: %w", err)
	}
	s := Session{Authenticated: true, User: &user, Token: idToken}
	f.w.set(s)
	return s, nil
}

func readFirebaseClaims(idToken string) (*firebaseClaims, error) {
	var claims firebaseClaims
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

// SignUp creates an account, then sets its display name.
func (f *Firebase) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	if err := profile.ValidateCredentials(email, password); err != nil {
		return Session{}, err
	}
	if err := profile.ValidatePassword(password); err != nil {
		return Session{}, err
	}
	var out authResponse
	err := f.postAccounts(ctx, "signUp", map[string]any{
		"email":             strings.TrimSpace(email),
		"password":          password,
		"returnSecureToken": true,
	}, &out)
	if err != nil {
		return Session{}, err
	}
	s, err := f.adopt(out.IDToken, out.RefreshToken, out.ExpiresIn, models.User{UID: out.LocalID, Email: out.Email})
	if err != nil {
		return Session{}, err
	}
	if name := profile.Normalize(displayName); name != "" {
		if err := f.UpdateDisplayName(ctx, name); err != nil {
			f.log.Warn("set display name after sign-up", "error", err)
		}
		s = f.w.get()
	}
	return s, nil
}

// SignIn signs in with email and password.
func (f *Firebase) SignIn(ctx context.Context, email, password string) (Session, error) {
	if err := profile.ValidateCredentials(email, password); err != nil {
		return Session{}, err
	}
	var out authResponse
	err := f.postAccounts(ctx, "signInWithPassword", map[string]any{
		"email":             strings.TrimSpace(email),
		"password":          password,
		"returnSecureToken": true,
	}, &out)
	if err != nil {
		return Session{}, err
	}
	return f.adopt(out.IDToken, out.RefreshToken, out.ExpiresIn,
		models.User{UID: out.LocalID, Email: out.Email, DisplayName: out.DisplayName})
}

// SignOut forgets the session locally.
func (f *Firebase) SignOut(ctx context.Context) error {
	f.clear()
	if err := f.kv.Delete(firebaseRefreshKey); err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

func (f *Firebase) clear() {
	f.mu.Lock()
	f.refreshToken = ""
	f.expiresAt = time.Time{}
	f.mu.Unlock()
	f.kv.Delete(firebaseRefreshKey)
	f.w.set(Session{})
}

func (f *Firebase) refresh(ctx context.Context) (Session, error) {
	f.mu.Lock()
	rt := f.refreshToken
	f.mu.Unlock()
	if rt == "" {
		return Session{}, ErrNotSignedIn
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {rt}}
	u := fmt.Sprintf("%s/token?key=%s", f.tokenURL, url.QueryEscape(f.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return Session{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out refreshResponse
	if err := f.do(ctx, req, &out); err != nil {
		return Session{}, err
	}
	var prev models.User
	if cur := f.w.get(); cur.User != nil {
		prev = *cur.User
	}
	if prev.UID == "" {
		prev.UID = out.UserID
	}
	return f.adopt(out.IDToken, out.RefreshToken, out.ExpiresIn, prev)
}

// Token returns the current ID token, refreshing it within five minutes
// of expiry.
func (f *Firebase) Token(ctx context.Context) (string, error) {
	s := f.w.get()
	if !s.Authenticated {
		return "", ErrNotSignedIn
	}
	f.mu.Lock()
	fresh := f.clock.Now().Add(refreshWindow).Before(f.expiresAt)
	f.mu.Unlock()
	if fresh {
		return s.Token, nil
	}
	next, err := f.refresh(ctx)
	if errors.Is(err, ErrNotSignedIn) {
		f.clear()
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	return next.Token, nil
}

// UpdateDisplayName sets the account's display name.
func (f *Firebase) UpdateDisplayName(ctx context.Context, name string) error {
	tok, err := f.Token(ctx)
	if err != nil {
		return err
	}
	var out authResponse
	if err := f.postAccounts(ctx, "update", map[string]any{
		"idToken":           tok,
		"displayName":       name,
		"returnSecureToken": true,
	}, &out); err != nil {
		return err
	}
	cur := f.w.get()
	var u models.User
	if cur.User != nil {
		u = *cur.User
	}
	u.DisplayName = name
	idToken := out.IDToken
	if idToken == "" {
		idToken = cur.Token
	}
	_, err = f.adopt(idToken, out.RefreshToken, out.ExpiresIn, u)
	return err
}

func (f *Firebase) Session() Session         { return f.w.get() }
func (f *Firebase) Changes() <-chan struct{} { return f.w.changes() }
