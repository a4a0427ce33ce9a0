package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/jredh-dev/spinwheel/internal/gateway"
	"github.com/jredh-dev/spinwheel/internal/state"
)

// TokenSource yields the signed-in visitor's token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Refresher fetches the dashboard and caches it in the state store.
// Overlapping refreshes share one request. A failed fetch keeps the last
// cached payload.
type Refresher struct {
	store  *state.Store
	client gateway.Client
	tokens TokenSource
	clock  clockwork.Clock
	group  singleflight.Group
	log    *slog.Logger
}

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithClock sets the clock the periodic schedule runs on.
func WithClock(c clockwork.Clock) RefresherOption {
	return func(r *Refresher) { r.clock = c }
}

// NewRefresher returns a refresher writing to store.
func NewRefresher(store *state.Store, client gateway.Client, tokens TokenSource, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:  store,
		client: client,
		tokens: tokens,
		clock:  clockwork.NewRealClock(),
		log:    slog.Default().With("component", "dashboard"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger refreshes in the background without waiting.
func (r *Refresher) Trigger() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.Refresh(ctx)
	}()
}

// Refresh fetches the dashboard now. It is a no-op when nobody is signed
// in.
func (r *Refresher) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("refresh", func() (any, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

func (r *Refresher) refresh(ctx context.Context) error {
	snap := r.store.Snapshot()
	token, err := r.tokens.Token(ctx)
	if err != nil || token == "" || !snap.IsAuthenticated || snap.User == nil {
		r.log.Debug("skipping dashboard refresh, not signed in")
		r.store.SetDashboardLoading(false)
		return nil
	}
	uid := snap.User.UID

	r.store.SetDashboardLoading(true)
	defer r.store.SetDashboardLoading(false)

	resp, err := r.client.FetchDashboard(ctx, token)
	if err != nil {
		r.log.Warn("dashboard refresh failed", "error", err)
		return fmt.Errorf("refresh dashboard: %w", err)
	}
	switch err := r.store.SetDashboardDataFor(uid, resp); {
	case errors.Is(err, state.ErrIdentityChanged):
		r.log.Debug("discarding dashboard fetched for a previous sign-in", "uid", uid)
		return nil
	case err != nil:
		r.log.Error("cache dashboard", "error", err)
		return err
	}
	r.log.Debug("dashboard refreshed", "restaurants", len(resp.Dashboard))
	return nil
}

// Schedule refreshes every interval until ctx is done.
func (r *Refresher) Schedule(ctx context.Context, every time.Duration) error {
	s, err := gocron.NewScheduler(gocron.WithClock(r.clock))
	if err != nil {
		return fmt.Errorf("dashboard scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			if err := r.Refresh(ctx); err != nil {
				r.log.Debug("scheduled refresh", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		s.Shutdown()
		return fmt.Errorf("dashboard scheduler: %w", err)
	}
	s.Start()
	go func() {
		<-ctx.Done()
		if err := s.Shutdown(); err != nil {
			r.log.Warn("stop dashboard scheduler", "error", err)
		}
	}()
	return nil
}
