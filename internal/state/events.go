package state

import "sync"

// Field names a top-level AppState field in a Changed event.
type Field string

const (
	FieldIsAuthenticated      Field = "isAuthenticated"
	FieldUser                 Field = "user"
	FieldIDToken              Field = "idToken"
	FieldAuthLoading          Field = "authLoading"
	FieldUserProfile          Field = "userProfile"
	FieldCurrentRestaurant    Field = "currentRestaurant"
	FieldCurrentRoute         Field = "currentRoute"
	FieldIsLoading            Field = "isLoading"
	FieldSpinResult           Field = "spinResult"
	FieldClaimNavigationState Field = "claimNavigationState"
	FieldDashboardData        Field = "dashboardData"
	FieldDashboardLoading     Field = "dashboardLoading"
)

// Event is anything delivered on the store's bus.
type Event interface {
	event()
}

// Changed reports that one or more fields changed value. State is the
// snapshot taken right after the mutation.
type Changed struct {
	Fields []Field
	State  AppState
}

// Has reports whether f is among the changed fields.
func (c Changed) Has(f Field) bool {
	for _, x := range c.Fields {
		if x == f {
			return true
		}
	}
	return false
}

// LedgerChanged reports a recorded spin.
type LedgerChanged struct {
	RestaurantID string
	Remaining    int
}

// Hydrated is emitted once, after Initialize has loaded persisted state.
type Hydrated struct {
	State AppState
}

func (Changed) event()       {}
func (LedgerChanged) event() {}
func (Hydrated) event()      {}

type subscriber struct {
	id int
	fn func(Event)
}

// bus is a synchronous, ordered fan-out of events.
type bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

func (b *bus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *bus) publish(e Event) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(e)
	}
}
