package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jredh-dev/spinwheel/internal/state"
	"github.com/jredh-dev/spinwheel/internal/storage"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

type captureNotifier struct {
	events []state.Event
}

func (c *captureNotifier) Notify(e state.Event) { c.events = append(c.events, e) }

// noon keeps a full half-day of slack on either side of midnight local time.
func noon() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local)
}

func TestCapIsNeverExceeded(t *testing.T) {
	clock := clockwork.NewFakeClockAt(noon())
	n := &captureNotifier{}
	l := New(storage.NewMemory(), n, WithClock(clock))

	for i := 0; i < DefaultDailyCap; i++ {
		if !l.CanSpin("r1") {
			t.Fatalf("spin %d: CanSpin = false before cap", i+1)
		}
		if err := l.RecordSpin("r1"); err != nil {
			t.Fatalf("spin %d: %v", i+1, err)
		}
		if got, want := l.RemainingSpins("r1"), DefaultDailyCap-i-1; got != want {
			t.Errorf("after spin %d: remaining = %d, want %d", i+1, got, want)
		}
	}

	if l.CanSpin("r1") {
		t.Error("CanSpin = true at cap")
	}
	if err := l.RecordSpin("r1"); !errors.Is(err, ErrLimitReached) {
		t.Errorf("fourth spin: err = %v, want ErrLimitReached", err)
	}
	if got := l.RemainingSpins("r1"); got != 0 {
		t.Errorf("remaining = %d, want 0", got)
	}
	if len(n.events) != DefaultDailyCap {
		t.Errorf("got %d ledger events, want %d", len(n.events), DefaultDailyCap)
	}
	last := n.events[len(n.events)-1].(state.LedgerChanged)
	if last.RestaurantID != "r1" || last.Remaining != 0 {
		t.Errorf("last event = %+v", last)
	}
}

func TestRestaurantsAreIndependent(t *testing.T) {
	l := New(storage.NewMemory(), nil, WithClock(clockwork.NewFakeClockAt(noon())))
	for i := 0; i < DefaultDailyCap; i++ {
		l.RecordSpin("r1")
	}
	if !l.CanSpin("r2") {
		t.Error("r2 blocked by r1's spins")
	}
	if got := l.RemainingSpins("r2"); got != DefaultDailyCap {
		t.Errorf("r2 remaining = %d", got)
	}
}

func TestDayRolloverResets(t *testing.T) {
	clock := clockwork.NewFakeClockAt(noon())
	kv := storage.NewMemory()
	l := New(kv, nil, WithClock(clock))

	for i := 0; i < DefaultDailyCap; i++ {
		l.RecordSpin("r1")
	}
	if l.CanSpin("r1") {
		t.Fatal("expected cap reached")
	}

	clock.Advance(24 * time.Hour)

	if got := l.RemainingSpins("r1"); got != DefaultDailyCap {
		t.Errorf("remaining after rollover = %d, want %d", got, DefaultDailyCap)
	}

	// The stale entry was purged from storage on that read.
	var entries map[string]Entry
	storage.LoadJSON(kv, storage.KeyDailySpins, &entries)
	if _, ok := entries["r1"]; ok {
		t.Errorf("stale entry still stored: %+v", entries)
	}
}

func TestEmptyRestaurantID(t *testing.T) {
	l := New(storage.NewMemory(), nil)
	if l.CanSpin("") {
		t.Error("CanSpin(\"\") = true")
	}
	if err := l.RecordSpin(""); err == nil {
		t.Error("RecordSpin(\"\") succeeded")
	}
}

func TestCorruptLedgerIsTreatedAsEmpty(t *testing.T) {
	kv := storage.NewMemory()
	kv.Set(storage.KeyDailySpins, []byte("garbage"))
	l := New(kv, nil, WithClock(clockwork.NewFakeClockAt(noon())))

	if got := l.RemainingSpins("r1"); got != DefaultDailyCap {
		t.Errorf("remaining = %d, want %d", got, DefaultDailyCap)
	}
	if err := l.RecordSpin("r1"); err != nil {
		t.Errorf("record: %v", err)
	}
}

func TestCustomCap(t *testing.T) {
	l := New(storage.NewMemory(), nil, WithDailyCap(1), WithClock(clockwork.NewFakeClockAt(noon())))
	if err := l.RecordSpin("r1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if l.CanSpin("r1") {
		t.Fatal("cap of 1 not enforced")
	}
	if got := l.RemainingSpins("r1"); got != 0 {
		t.Errorf("remaining = %d, want 0", got)
	}
}

func TestSignOutDoesNotRestoreSpins(t *testing.T) {
	durable, session := storage.NewMemory(), storage.NewMemory()
	store := state.New(durable, session)
	l := New(durable, store, WithClock(clockwork.NewFakeClockAt(noon())))
	store.Initialize()

	recorded := 0
	for round := 0; round < 3; round++ {
		store.SetAuthState(state.AuthState{
			Authenticated: true,
			User:          &models.User{UID: "u1", Email: "ada@example.com"},
			Token:         "tok",
		})
		for l.CanSpin("r1") {
			if err := l.RecordSpin("r1"); err != nil {
				t.Fatalf("round %d: record: %v", round, err)
			}
			recorded++
		}
		store.SetAuthState(state.AuthState{})

		if l.CanSpin("r1") {
			t.Fatalf("round %d: spins available again after sign-out", round)
		}
	}
	if recorded != DefaultDailyCap {
		t.Errorf("recorded %d spins in one day, cap is %d", recorded, DefaultDailyCap)
	}
}

func TestLedgerSharedAcrossInstances(t *testing.T) {
	kv := storage.NewMemory()
	clock := clockwork.NewFakeClockAt(noon())
	a := New(kv, nil, WithClock(clock))
	b := New(kv, nil, WithClock(clock))

	a.RecordSpin("r1")
	b.RecordSpin("r1")

	if got := a.RemainingSpins("r1"); got != DefaultDailyCap-2 {
		t.Errorf("remaining = %d, want %d", got, DefaultDailyCap-2)
	}
}
