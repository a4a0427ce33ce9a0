// Package ledger tracks how many times the visitor has spun each
// restaurant's wheel today and enforces the daily cap.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/jredh-dev/spinwheel/internal/state"
	"github.com/jredh-dev/spinwheel/internal/storage"
)

// DefaultDailyCap is the number of spins allowed per restaurant per day.
const DefaultDailyCap = 3

const dateLayout = "2006-01-02"

// ErrLimitReached is returned by RecordSpin when today's cap is used up.
var ErrLimitReached = errors.New("daily spin limit reached")

// Notifier receives ledger change events.
type Notifier interface {
	Notify(state.Event)
}

// Entry is one restaurant's spin count for a calendar day.
type Entry struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Ledger is the persistent per-restaurant daily spin counter. Concurrent
// writers in other processes sharing the same store are last-writer-wins.
type Ledger struct {
	mu     sync.Mutex
	kv     storage.KV
	notify Notifier
	clock  clockwork.Clock
	cap    int
	log    *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock that decides what "today" is.
func WithClock(c clockwork.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithDailyCap overrides DefaultDailyCap.
func WithDailyCap(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.cap = n
		}
	}
}

// New returns a ledger stored in kv. notify may be nil.
func New(kv storage.KV, notify Notifier, opts ...Option) *Ledger {
	l := &Ledger{
		kv:     kv,
		notify: notify,
		clock:  clockwork.NewRealClock(),
		cap:    DefaultDailyCap,
		log:    slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Cap returns the daily spin cap.
func (l *Ledger) Cap() int { return l.cap }

func (l *Ledger) today() string {
	return l.clock.Now().Local().Format(dateLayout)
}

// load reads the ledger and drops entries from any day but today, writing
// the purged map back when something was dropped. Called with l.mu held.
func (l *Ledger) load() map[string]Entry {
	entries := map[string]Entry{}
	if _, err := storage.LoadJSON(l.kv, storage.KeyDailySpins, &entries); err != nil {
		l.log.Warn("resetting unreadable spin ledger", "error", err)
		entries = map[string]Entry{}
	}

	today := l.today()
	purged := false
	for id, e := range entries {
		if e.Date != today {
			delete(entries, id)
			purged = true
		}
	}
	if purged {
		if err := storage.SaveJSON(l.kv, storage.KeyDailySpins, entries); err != nil {
			l.log.Error("write purged spin ledger", "error", err)
		}
	}
	return entries
}

func (l *Ledger) countLocked(restaurantID string) int {
	return l.load()[restaurantID].Count
}

// CanSpin reports whether another spin is allowed today.
func (l *Ledger) CanSpin(restaurantID string) bool {
	if restaurantID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked(restaurantID) < l.cap
}

// RemainingSpins returns how many spins are left today.
func (l *Ledger) RemainingSpins(restaurantID string) int {
	if restaurantID == "" {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return max(0, l.cap-l.countLocked(restaurantID))
}

// RecordSpin spends one of today's spins. At the cap it changes nothing and
// returns ErrLimitReached.
func (l *Ledger) RecordSpin(restaurantID string) error {
	if restaurantID == "" {
		return fmt.Errorf("record spin: empty restaurant id")
	}

	l.mu.Lock()
	entries := l.load()
	e := entries[restaurantID]
	if e.Count >= l.cap {
		l.mu.Unlock()
		l.log.Warn("spin attempted over daily limit", "restaurant_id", restaurantID, "count", e.Count)
		return ErrLimitReached
	}
	e.Date = l.today()
	e.Count++
	entries[restaurantID] = e
	if err := storage.SaveJSON(l.kv, storage.KeyDailySpins, entries); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("record spin: %w", err)
	}
	remaining := l.cap - e.Count
	l.mu.Unlock()

	l.log.Info("spin recorded", "restaurant_id", restaurantID, "count", e.Count, "remaining", remaining)
	if l.notify != nil {
		l.notify.Notify(state.LedgerChanged{RestaurantID: restaurantID, Remaining: remaining})
	}
	return nil
}
