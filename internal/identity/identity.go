// Package identity signs visitors in and keeps the client's view of the
// current session. Two providers are available: Firebase (Identity Toolkit
// REST API) and Local (a SQLite user table issuing HS256 tokens).
package identity

import (
	"context"
	"errors"
	"sync"

	"github.com/jredh-dev/spinwheel/internal/state"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailExists        = errors.New("an account with this email already exists")
	ErrNotSignedIn        = errors.New("not signed in")
)

// Session is the provider's current view of the visitor.
type Session struct {
	Authenticated bool
	User          *models.User
	Token         string
	// Loading is true until the provider has finished restoring any
	// persisted sign-in.
	Loading bool
}

// AuthState converts the session for the state store.
func (s Session) AuthState() state.AuthState {
	return state.AuthState{
		Authenticated: s.Authenticated,
		User:          s.User,
		Token:         s.Token,
		Loading:       s.Loading,
	}
}

// Observer exposes the current session and change notifications.
type Observer interface {
	Session() Session
	// Changes returns a channel that is closed on the next session change.
	Changes() <-chan struct{}
}

// Provider is an identity backend.
type Provider interface {
	Observer

	SignUp(ctx context.Context, email, password, displayName string) (Session, error)
	SignIn(ctx context.Context, email, password string) (Session, error)
	SignOut(ctx context.Context) error
	// Token returns a valid ID token for the signed-in user, refreshing it
	// when needed. It returns ErrNotSignedIn when nobody is signed in.
	Token(ctx context.Context) (string, error)
	UpdateDisplayName(ctx context.Context, name string) error
}

// watcher holds a session and wakes waiters when it changes.
type watcher struct {
	mu  sync.Mutex
	cur Session
	ch  chan struct{}
}

func newWatcher(initial Session) *watcher {
	return &watcher{cur: initial, ch: make(chan struct{})}
}

func (w *watcher) get() Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

func (w *watcher) changes() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

func (w *watcher) set(s Session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if sameSession(w.cur, s) {
		return
	}
	w.cur = s
	close(w.ch)
	w.ch = make(chan struct{})
}

func sameSession(a, b Session) bool {
	if a.Authenticated != b.Authenticated || a.Token != b.Token || a.Loading != b.Loading {
		return false
	}
	if (a.User == nil) != (b.User == nil) {
		return false
	}
	return a.User == nil || *a.User == *b.User
}

// Bind pushes the provider's session into store now and on every change
// until ctx is done.
func Bind(ctx context.Context, p Observer, store *state.Store) {
	ch := p.Changes()
	store.SetAuthState(p.Session().AuthState())
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
			}
			ch = p.Changes()
			store.SetAuthState(p.Session().AuthState())
		}
	}()
}

// WaitSettled returns the provider's session once it is no longer loading,
// or the last observed session when ctx ends first.
func WaitSettled(ctx context.Context, p Observer) (Session, error) {
	for {
		ch := p.Changes()
		s := p.Session()
		if !s.Loading {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}
