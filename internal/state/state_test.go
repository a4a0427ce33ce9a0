package state

import (
	"errors"
	"testing"

	"github.com/jredh-dev/spinwheel/internal/storage"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

// recorder collects every event delivered to it.
type recorder struct {
	events []Event
}

func (r *recorder) fn(e Event) { r.events = append(r.events, e) }

func (r *recorder) changed() []Changed {
	var out []Changed
	for _, e := range r.events {
		if c, ok := e.(Changed); ok {
			out = append(out, c)
		}
	}
	return out
}

// failingKV rejects writes.
type failingKV struct{ storage.Memory }

func (f *failingKV) Set(string, []byte) error { return errors.New("disk full") }

func newStore(t *testing.T, opts ...Option) (*Store, *storage.Memory, *storage.Memory, *recorder) {
	t.Helper()
	durable, session := storage.NewMemory(), storage.NewMemory()
	s := New(durable, session, opts...)
	rec := &recorder{}
	s.Subscribe(rec.fn)
	return s, durable, session, rec
}

func TestSettersAreEqualityGated(t *testing.T) {
	s, _, _, rec := newStore(t)
	r := &models.Restaurant{ID: "r1", Name: "Cafe"}
	offer := &models.Offer{Label: "Free Coffee", Value: "COFFEE"}
	route := models.Route{Path: "/spin", Params: map[string]string{"id": "r1"}}
	nav := &models.ClaimNavigationState{SpinResult: offer, RestaurantID: "r1", RestaurantName: "Cafe"}
	dash := &models.DashboardResponse{Status: "success"}

	apply := func() {
		s.SetLoading(true)
		s.SetDashboardLoading(true)
		s.SetCurrentRestaurant(r)
		s.SetCurrentRoute(route)
		s.SetSpinResult(offer)
		if err := s.UpdateUserProfile("Ada", "15550001111"); err != nil {
			t.Fatalf("update profile: %v", err)
		}
		if err := s.SetClaimNavigationState(nav); err != nil {
			t.Fatalf("set claim state: %v", err)
		}
		if err := s.SetDashboardData(dash); err != nil {
			t.Fatalf("set dashboard: %v", err)
		}
	}

	apply()
	first := len(rec.changed())
	if first != 8 {
		t.Fatalf("expected 8 change events on first pass, got %d", first)
	}

	// Deep-equal values, including a distinct restaurant value with the
	// same ID, must not notify.
	r = &models.Restaurant{ID: "r1", Name: "Renamed"}
	offer = &models.Offer{Label: "Free Coffee", Value: "COFFEE"}
	route = models.Route{Path: "/spin", Params: map[string]string{"id": "r1"}}
	nav = &models.ClaimNavigationState{SpinResult: offer, RestaurantID: "r1", RestaurantName: "Cafe"}
	dash = &models.DashboardResponse{Status: "success"}
	apply()

	if got := len(rec.changed()); got != first {
		t.Errorf("equal values emitted %d extra events", got-first)
	}
}

func TestChangedEventCarriesFieldAndSnapshot(t *testing.T) {
	s, _, _, rec := newStore(t)
	s.SetLoading(true)

	ch := rec.changed()
	if len(ch) != 1 {
		t.Fatalf("expected 1 event, got %d", len(ch))
	}
	if !ch[0].Has(FieldIsLoading) || ch[0].Has(FieldUser) {
		t.Errorf("unexpected fields %v", ch[0].Fields)
	}
	if !ch[0].State.IsLoading {
		t.Error("snapshot in event should reflect the new value")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s, _, _, _ := newStore(t)
	s.UpdateUserProfile("Ada", "1555")

	snap := s.Snapshot()
	snap.UserProfile.Name = "Mallory"

	if got := s.Snapshot().UserProfile.Name; got != "Ada" {
		t.Errorf("store mutated through snapshot: name=%q", got)
	}
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	durable := &failingKV{}
	s := New(durable, storage.NewMemory())
	rec := &recorder{}
	s.Subscribe(rec.fn)

	if err := s.UpdateUserProfile("Ada", "1555"); err == nil {
		t.Fatal("expected persist error")
	}
	if s.Snapshot().UserProfile != nil {
		t.Error("profile must stay unset after failed persist")
	}
	if len(rec.events) != 0 {
		t.Errorf("failed persist emitted %d events", len(rec.events))
	}
}

func TestInitializeHydratesOnce(t *testing.T) {
	durable, session := storage.NewMemory(), storage.NewMemory()
	storage.SaveJSON(durable, storage.KeyUserProfile, models.UserProfile{Name: "Ada", WhatsApp: "1555"})
	storage.SaveJSON(durable, storage.KeyDashboardData, models.DashboardResponse{Status: "success"})
	storage.SaveJSON(session, storage.KeyClaimNavState, models.ClaimNavigationState{
		SpinResult: &models.Offer{Label: "Free Coffee", Value: "COFFEE"}, RestaurantID: "r1",
	})

	s := New(durable, session)
	rec := &recorder{}
	s.Subscribe(rec.fn)

	s.Initialize()
	s.Initialize()

	if len(rec.events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(rec.events))
	}
	h, ok := rec.events[0].(Hydrated)
	if !ok {
		t.Fatalf("expected Hydrated, got %T", rec.events[0])
	}
	if h.State.UserProfile == nil || h.State.UserProfile.Name != "Ada" {
		t.Errorf("profile not hydrated: %+v", h.State.UserProfile)
	}
	if h.State.DashboardData == nil {
		t.Error("dashboard not hydrated")
	}
	if !h.State.ClaimNavigationState.Valid() {
		t.Error("claim state not hydrated")
	}
	if !h.State.AuthLoading {
		t.Error("auth should be loading after initialize")
	}
}

func TestClaimStateLivesInSessionStore(t *testing.T) {
	s, durable, session, _ := newStore(t)
	nav := &models.ClaimNavigationState{SpinResult: &models.Offer{Label: "A", Value: "A"}, RestaurantID: "r1"}
	if err := s.SetClaimNavigationState(nav); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := session.Get(storage.KeyClaimNavState); !ok {
		t.Error("claim state not written to session store")
	}
	if _, ok, _ := durable.Get(storage.KeyClaimNavState); ok {
		t.Error("claim state must not be written to durable store")
	}

	if err := s.ClearClaimNavigationState(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := session.Get(storage.KeyClaimNavState); ok {
		t.Error("claim state not removed from session store")
	}
}

func TestSignOutCascade(t *testing.T) {
	s, durable, session, _ := newStore(t)
	user := &models.User{UID: "u1", Email: "ada@example.com"}

	s.SetAuthState(AuthState{Authenticated: true, User: user, Token: "tok"})
	s.UpdateUserProfile("Ada", "1555")
	s.SetDashboardData(&models.DashboardResponse{Status: "success"})
	s.SetClaimNavigationState(&models.ClaimNavigationState{
		SpinResult: &models.Offer{Label: "A", Value: "A"}, RestaurantID: "r1",
	})

	s.SetAuthState(AuthState{})

	snap := s.Snapshot()
	if snap.IsAuthenticated || snap.User != nil || snap.IDToken != "" {
		t.Errorf("identity not cleared: %+v", snap)
	}
	if snap.UserProfile != nil || snap.DashboardData != nil || snap.ClaimNavigationState != nil {
		t.Error("identity-bound state not cleared on sign-out")
	}
	for _, key := range []string{storage.KeyUserProfile, storage.KeyDashboardData} {
		if _, ok, _ := durable.Get(key); ok {
			t.Errorf("durable key %s survived sign-out", key)
		}
	}
	if _, ok, _ := session.Get(storage.KeyClaimNavState); ok {
		t.Error("claim state survived sign-out")
	}
}

func TestSettledSignedOutKeepsPendingClaim(t *testing.T) {
	s, _, _, _ := newStore(t)
	nav := &models.ClaimNavigationState{SpinResult: &models.Offer{Label: "A", Value: "A"}, RestaurantID: "r1"}
	s.SetClaimNavigationState(nav)

	// First report from the provider: never signed in.
	s.SetAuthState(AuthState{Loading: true})
	s.SetAuthState(AuthState{})

	if !s.Snapshot().ClaimNavigationState.Valid() {
		t.Error("an anonymous visitor's pending claim must survive until sign-in")
	}
}

func TestSignInHydratesProfile(t *testing.T) {
	s, durable, _, rec := newStore(t)
	storage.SaveJSON(durable, storage.KeyUserProfile, models.UserProfile{Name: "Ada", WhatsApp: "1555"})

	s.SetAuthState(AuthState{Authenticated: true, User: &models.User{UID: "u1"}, Token: "tok"})

	if p := s.Snapshot().UserProfile; p == nil || p.Name != "Ada" {
		t.Fatalf("profile = %+v, want Ada", p)
	}
	last := rec.changed()[len(rec.changed())-1]
	if !last.Has(FieldUserProfile) || !last.Has(FieldIsAuthenticated) {
		t.Errorf("fields = %v", last.Fields)
	}
}

func TestUnsubscribe(t *testing.T) {
	s, _, _, _ := newStore(t)
	var n int
	unsub := s.Subscribe(func(Event) { n++ })

	s.SetLoading(true)
	unsub()
	unsub()
	s.SetLoading(false)

	if n != 1 {
		t.Errorf("got %d deliveries, want 1", n)
	}
}

func TestSubscribersMayCallBackIntoStore(t *testing.T) {
	s, _, _, _ := newStore(t)
	s.Subscribe(func(e Event) {
		if c, ok := e.(Changed); ok && c.Has(FieldIsLoading) {
			_ = s.Snapshot()
		}
	})
	s.SetLoading(true) // would deadlock if delivery happened under the lock
}
