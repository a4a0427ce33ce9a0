// Package state holds the client's single mutable application state. Every
// write goes through an equality-gated setter which mutates, persists where
// required, and then notifies subscribers.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/jredh-dev/spinwheel/internal/storage"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

// ErrIdentityChanged reports a write made on behalf of a visitor who is no
// longer signed in.
var ErrIdentityChanged = errors.New("state: signed-in identity changed")

// AppState is a point-in-time view of the client.
type AppState struct {
	IsAuthenticated bool
	User            *models.User
	IDToken         string
	AuthLoading     bool

	UserProfile *models.UserProfile

	CurrentRestaurant *models.Restaurant
	CurrentRoute      models.Route
	IsLoading         bool

	SpinResult           *models.Offer
	ClaimNavigationState *models.ClaimNavigationState

	DashboardData    *models.DashboardResponse
	DashboardLoading bool
}

// AuthState is what the identity provider reports.
type AuthState struct {
	Authenticated bool
	User          *models.User
	Token         string
	Loading       bool
}

// Store is the client state container. It is safe for concurrent use;
// subscribers are called synchronously, in subscription order, after the
// store lock is released.
type Store struct {
	mu          sync.Mutex
	st          AppState
	initialized bool

	durable storage.KV
	session storage.KV

	bus bus
	log *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a store persisting long-lived values to durable and
// per-session values to session.
func New(durable, session storage.KV, opts ...Option) *Store {
	s := &Store{
		durable: durable,
		session: session,
		log:     slog.Default().With("component", "state"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for every event. The returned function removes it.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.bus.subscribe(fn)
}

// Notify publishes e to all subscribers. Collaborators such as the spin
// ledger use it to share the store's bus.
func (s *Store) Notify(e Event) {
	s.bus.publish(e)
}

// Snapshot returns a copy of the current state. Restaurant and dashboard
// values are shared and must be treated as read-only.
func (s *Store) Snapshot() AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *Store) copyLocked() AppState {
	out := s.st
	if s.st.User != nil {
		u := *s.st.User
		out.User = &u
	}
	if s.st.UserProfile != nil {
		p := *s.st.UserProfile
		out.UserProfile = &p
	}
	if s.st.SpinResult != nil {
		o := *s.st.SpinResult
		out.SpinResult = &o
	}
	out.ClaimNavigationState = cloneNav(s.st.ClaimNavigationState)
	if s.st.CurrentRoute.Params != nil {
		out.CurrentRoute.Params = make(map[string]string, len(s.st.CurrentRoute.Params))
		for k, v := range s.st.CurrentRoute.Params {
			out.CurrentRoute.Params[k] = v
		}
	}
	return out
}

func cloneNav(n *models.ClaimNavigationState) *models.ClaimNavigationState {
	if n == nil {
		return nil
	}
	c := *n
	if n.SpinResult != nil {
		o := *n.SpinResult
		c.SpinResult = &o
	}
	if n.ClaimAPIResponse != nil {
		r := *n.ClaimAPIResponse
		c.ClaimAPIResponse = &r
	}
	return &c
}

// Initialize loads persisted profile, dashboard cache and claim state and
// emits a single Hydrated event. Later calls do nothing.
func (s *Store) Initialize() {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return
	}
	s.initialized = true

	var profile models.UserProfile
	if ok, err := storage.LoadJSON(s.durable, storage.KeyUserProfile, &profile); err != nil {
		s.log.Warn("discarding stored profile", "error", err)
	} else if ok {
		s.st.UserProfile = &profile
	}

	var dash models.DashboardResponse
	if ok, err := storage.LoadJSON(s.durable, storage.KeyDashboardData, &dash); err != nil {
		s.log.Warn("discarding cached dashboard", "error", err)
	} else if ok {
		s.st.DashboardData = &dash
	}

	var nav models.ClaimNavigationState
	if ok, err := storage.LoadJSON(s.session, storage.KeyClaimNavState, &nav); err != nil {
		s.log.Warn("discarding stored claim state", "error", err)
	} else if ok {
		s.st.ClaimNavigationState = &nav
	}

	s.st.AuthLoading = true
	snap := s.copyLocked()
	s.mu.Unlock()

	s.log.Debug("state initialized",
		"profile", snap.UserProfile != nil,
		"dashboard", snap.DashboardData != nil,
		"claim_pending", snap.ClaimNavigationState != nil)
	s.bus.publish(Hydrated{State: snap})
}

// commit is called with s.mu held. It releases the lock and publishes a
// Changed event when fields is non-empty.
func (s *Store) commit(fields []Field) {
	if len(fields) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.copyLocked()
	s.mu.Unlock()
	s.bus.publish(Changed{Fields: fields, State: snap})
}

// SetLoading sets the general busy flag.
func (s *Store) SetLoading(v bool) {
	s.mu.Lock()
	var fields []Field
	if s.st.IsLoading != v {
		s.st.IsLoading = v
		fields = append(fields, FieldIsLoading)
	}
	s.commit(fields)
}

// SetDashboardLoading sets the dashboard fetch flag.
func (s *Store) SetDashboardLoading(v bool) {
	s.mu.Lock()
	var fields []Field
	if s.st.DashboardLoading != v {
		s.st.DashboardLoading = v
		fields = append(fields, FieldDashboardLoading)
	}
	s.commit(fields)
}

// SetCurrentRestaurant switches the active restaurant. Restaurants are
// compared by ID.
func (s *Store) SetCurrentRestaurant(r *models.Restaurant) {
	s.mu.Lock()
	var fields []Field
	if restaurantID(s.st.CurrentRestaurant) != restaurantID(r) {
		s.st.CurrentRestaurant = r
		fields = append(fields, FieldCurrentRestaurant)
	}
	s.commit(fields)
}

func restaurantID(r *models.Restaurant) string {
	if r == nil {
		return ""
	}
	return r.ID
}

// SetCurrentRoute records the navigation target.
func (s *Store) SetCurrentRoute(r models.Route) {
	s.mu.Lock()
	var fields []Field
	if !reflect.DeepEqual(s.st.CurrentRoute, r) {
		s.st.CurrentRoute = r
		fields = append(fields, FieldCurrentRoute)
	}
	s.commit(fields)
}

// SetSpinResult records the last revealed offer. nil clears it.
func (s *Store) SetSpinResult(o *models.Offer) {
	s.mu.Lock()
	var fields []Field
	if !reflect.DeepEqual(s.st.SpinResult, o) {
		if o != nil {
			c := *o
			o = &c
		}
		s.st.SpinResult = o
		fields = append(fields, FieldSpinResult)
	}
	s.commit(fields)
}

// SetAuthState applies what the identity provider reports. Signing in
// reloads the persisted profile and dashboard cache; a settled signed-out
// state clears both. A transition from signed in to signed out also drops the
// pending claim.
func (s *Store) SetAuthState(a AuthState) {
	s.mu.Lock()
	var fields []Field
	wasAuthenticated := s.st.IsAuthenticated

	if s.st.IsAuthenticated != a.Authenticated {
		s.st.IsAuthenticated = a.Authenticated
		fields = append(fields, FieldIsAuthenticated)
	}
	if !reflect.DeepEqual(s.st.User, a.User) {
		var u *models.User
		if a.User != nil {
			c := *a.User
			u = &c
		}
		s.st.User = u
		fields = append(fields, FieldUser)
	}
	if s.st.IDToken != a.Token {
		s.st.IDToken = a.Token
		fields = append(fields, FieldIDToken)
	}
	if s.st.AuthLoading != a.Loading {
		s.st.AuthLoading = a.Loading
		fields = append(fields, FieldAuthLoading)
	}

	if a.Authenticated {
		var loaded *models.UserProfile
		var p models.UserProfile
		if ok, err := storage.LoadJSON(s.durable, storage.KeyUserProfile, &p); err != nil {
			s.log.Warn("discarding stored profile", "error", err)
		} else if ok {
			loaded = &p
		}
		if !reflect.DeepEqual(s.st.UserProfile, loaded) {
			s.st.UserProfile = loaded
			fields = append(fields, FieldUserProfile)
		}
		var d models.DashboardResponse
		if ok, err := storage.LoadJSON(s.durable, storage.KeyDashboardData, &d); err != nil {
			s.log.Warn("discarding cached dashboard", "error", err)
		} else if ok && !reflect.DeepEqual(s.st.DashboardData, &d) {
			s.st.DashboardData = &d
			fields = append(fields, FieldDashboardData)
		}
	} else if !a.Loading {
		if s.st.UserProfile != nil {
			s.st.UserProfile = nil
			fields = append(fields, FieldUserProfile)
		}
		if err := s.durable.Delete(storage.KeyUserProfile); err != nil {
			s.log.Error("clear stored profile", "error", err)
		}
		if s.st.DashboardData != nil {
			s.st.DashboardData = nil
			fields = append(fields, FieldDashboardData)
		}
		if err := s.durable.Delete(storage.KeyDashboardData); err != nil {
			s.log.Error("clear cached dashboard", "error", err)
		}
		if wasAuthenticated {
			if s.st.ClaimNavigationState != nil {
				s.st.ClaimNavigationState = nil
				fields = append(fields, FieldClaimNavigationState)
			}
			if err := s.session.Delete(storage.KeyClaimNavState); err != nil {
				s.log.Error("clear stored claim state", "error", err)
			}
		}
	}

	if len(fields) > 0 {
		s.log.Debug("auth state changed", "authenticated", a.Authenticated, "loading", a.Loading, "fields", fields)
	}
	s.commit(fields)
}

// UpdateUserProfile merges name and whatsapp into the profile and persists
// it. On a persist failure the in-memory profile is left untouched.
func (s *Store) UpdateUserProfile(name, whatsapp string) error {
	s.mu.Lock()
	next := models.UserProfile{Name: name, WhatsApp: whatsapp}
	if s.st.UserProfile != nil && *s.st.UserProfile == next {
		s.mu.Unlock()
		return nil
	}
	if err := storage.SaveJSON(s.durable, storage.KeyUserProfile, next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("update profile: %w", err)
	}
	s.st.UserProfile = &next
	s.commit([]Field{FieldUserProfile})
	return nil
}

// SetDashboardData replaces the cached dashboard and persists it. nil
// clears the cache.
func (s *Store) SetDashboardData(d *models.DashboardResponse) error {
	s.mu.Lock()
	return s.setDashboardDataLocked(d)
}

// SetDashboardDataFor caches d only while uid is still the signed-in user.
// Otherwise it returns ErrIdentityChanged and leaves the cache alone.
func (s *Store) SetDashboardDataFor(uid string, d *models.DashboardResponse) error {
	s.mu.Lock()
	if !s.st.IsAuthenticated || s.st.User == nil || s.st.User.UID != uid {
		s.mu.Unlock()
		return ErrIdentityChanged
	}
	return s.setDashboardDataLocked(d)
}

// setDashboardDataLocked expects s.mu held and releases it.
func (s *Store) setDashboardDataLocked(d *models.DashboardResponse) error {
	if reflect.DeepEqual(s.st.DashboardData, d) {
		s.mu.Unlock()
		return nil
	}
	var err error
	if d == nil {
		err = s.durable.Delete(storage.KeyDashboardData)
	} else {
		err = storage.SaveJSON(s.durable, storage.KeyDashboardData, d)
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("cache dashboard: %w", err)
	}
	s.st.DashboardData = d
	s.commit([]Field{FieldDashboardData})
	return nil
}

// SetClaimNavigationState replaces the pending claim and persists it to
// the session store. nil clears it.
func (s *Store) SetClaimNavigationState(n *models.ClaimNavigationState) error {
	s.mu.Lock()
	if reflect.DeepEqual(s.st.ClaimNavigationState, n) {
		s.mu.Unlock()
		return nil
	}
	n = cloneNav(n)
	var err error
	if n == nil {
		err = s.session.Delete(storage.KeyClaimNavState)
	} else {
		err = storage.SaveJSON(s.session, storage.KeyClaimNavState, n)
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("save claim state: %w", err)
	}
	s.st.ClaimNavigationState = n
	s.commit([]Field{FieldClaimNavigationState})
	return nil
}

// ClearClaimNavigationState drops the pending claim.
func (s *Store) ClearClaimNavigationState() error {
	return s.SetClaimNavigationState(nil)
}
