// Package claim drives a spin from the button press to a claimed coupon.
//
// The workflow is re-entrant from persisted state: a win is written to the
// session store before the visitor is asked to sign in, and Resume picks the
// claim up again after authentication or a restart.
package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jredh-dev/spinwheel/internal/animation"
	"github.com/jredh-dev/spinwheel/internal/gateway"
	"github.com/jredh-dev/spinwheel/internal/identity"
	"github.com/jredh-dev/spinwheel/internal/ledger"
	"github.com/jredh-dev/spinwheel/internal/profile"
	"github.com/jredh-dev/spinwheel/internal/state"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

// Phase is the workflow's position.
type Phase int

const (
	Idle Phase = iota
	Spinning
	ResultReady
	AwaitingClaim
	AuthCheck
	ProfileCollection
	Submitting
	Claimed
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Spinning:
		return "spinning"
	case ResultReady:
		return "result-ready"
	case AwaitingClaim:
		return "awaiting-claim"
	case AuthCheck:
		return "auth-check"
	case ProfileCollection:
		return "profile-collection"
	case Submitting:
		return "submitting"
	case Claimed:
		return "claimed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

var (
	ErrSpinLimit        = errors.New("no spins left today")
	ErrBusy             = errors.New("another operation is in progress")
	ErrNoRestaurant     = errors.New("no restaurant selected")
	ErrStaleSpin        = errors.New("restaurant changed during spin")
	ErrClaimContextLost = errors.New("claim information lost")
	ErrAuthRequired     = errors.New("sign in to claim your reward")
	ErrNotAuthenticated = errors.New("user not properly authenticated")
	ErrMissingClaimInfo = errors.New("missing base claim information")
	ErrProfileMismatch  = errors.New("profile state mismatch after update")
	ErrNoCoupon         = errors.New("no claimed coupon to show")
)

// DefaultMessage is shown for a losing spin whose offer has no label.
const DefaultMessage = "Better luck next time!"

// MessageTTL is how long the losing-spin message stays visible.
const MessageTTL = 3500 * time.Millisecond

// DefaultAuthSettleTimeout bounds the wait for the identity provider to
// finish restoring a session.
const DefaultAuthSettleTimeout = 2 * time.Second

// Failure is a user-facing error dialog.
type Failure struct {
	Title   string
	Message string
}

var (
	failContextLost = Failure{Title: "Error", Message: "Claim information lost. Please spin again."}
	failMismatch    = Failure{Title: "Error", Message: "Could not verify profile update. Please try claiming again."}
)

// SpinTicket identifies one spin between Spin and Reveal.
type SpinTicket struct {
	ID             uuid.UUID
	RestaurantID   string
	RestaurantName string
	Result         models.Offer
	StartedAt      time.Time
	RevealAt       time.Time
	// Remaining is the number of spins left today after this one.
	Remaining int
}

// Outcome is what Reveal reports.
type Outcome struct {
	Result  models.Offer
	Win     bool
	Message string
}

// Step reports where a claim operation left the workflow.
type Step struct {
	Phase Phase
	// Prefill is set when the visitor must complete their profile.
	Prefill  models.UserProfile
	Response *models.ClaimResponse
	Failure  *Failure
}

// Ledger gates and records spins.
type Ledger interface {
	CanSpin(restaurantID string) bool
	RecordSpin(restaurantID string) error
	RemainingSpins(restaurantID string) int
}

// Engine picks a spin result.
type Engine interface {
	Determine(offers []models.Offer) models.Offer
}

// Identity is the part of an identity provider the workflow uses.
type Identity interface {
	identity.Observer
	Token(ctx context.Context) (string, error)
	UpdateDisplayName(ctx context.Context, name string) error
}

// Refresher reloads dashboard data in the background.
type Refresher interface {
	Trigger()
}

// Navigator moves the client to a route.
type Navigator interface {
	Navigate(models.Route)
}

// Deps are the workflow's collaborators. State, Ledger, Engine, Identity
// and Gateway are required.
type Deps struct {
	State     *state.Store
	Ledger    Ledger
	Engine    Engine
	Identity  Identity
	Gateway   gateway.Client
	Refresher Refresher
	// Navigator defaults to setting the store's current route.
	Navigator Navigator
	Clock     clockwork.Clock
	// AuthSettleTimeout defaults to DefaultAuthSettleTimeout.
	AuthSettleTimeout time.Duration
	Logger            *slog.Logger
}

// Workflow is the claim state machine. Transitions are guarded by the
// current phase; no lock is held across I/O.
type Workflow struct {
	d   Deps
	log *slog.Logger

	mu      sync.Mutex
	phase   Phase
	ticket  *SpinTicket
	failure *Failure
}

type storeNavigator struct{ s *state.Store }

func (n storeNavigator) Navigate(r models.Route) { n.s.SetCurrentRoute(r) }

// New returns a workflow in the Idle phase.
func New(d Deps) *Workflow {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Navigator == nil {
		d.Navigator = storeNavigator{d.State}
	}
	if d.AuthSettleTimeout <= 0 {
		d.AuthSettleTimeout = DefaultAuthSettleTimeout
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Workflow{d: d, log: log.With("component", "claim")}
}

// Phase returns the current phase.
func (w *Workflow) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// Failure returns the last failure while the workflow is Failed.
func (w *Workflow) Failure() *Failure {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failure == nil {
		return nil
	}
	f := *w.failure
	return &f
}

// enter moves to next if the current phase is one of from.
func (w *Workflow) enter(next Phase, from ...Phase) (Phase, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range from {
		if w.phase == p {
			prev := w.phase
			w.phase = next
			w.failure = nil
			return prev, true
		}
	}
	return w.phase, false
}

func (w *Workflow) set(p Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

func (w *Workflow) fail(f Failure, err error) (Step, error) {
	if cerr := w.d.State.ClearClaimNavigationState(); cerr != nil {
		w.log.Error("clear claim state", "error", cerr)
	}
	w.mu.Lock()
	w.phase = Failed
	w.failure = &f
	w.mu.Unlock()
	w.log.Warn("claim failed", "error", err)
	return Step{Phase: Failed, Failure: &f}, err
}

// Spin spends one of today's spins at r and decides the result. The result
// stays hidden until Reveal.
func (w *Workflow) Spin(r *models.Restaurant) (SpinTicket, error) {
	if r == nil || r.ID == "" {
		return SpinTicket{}, ErrNoRestaurant
	}
	prev, ok := w.enter(Spinning, Idle, ResultReady, AwaitingClaim, Claimed, Failed)
	if !ok {
		return SpinTicket{}, ErrBusy
	}

	snap := w.d.State.Snapshot()
	if snap.IsLoading || snap.DashboardLoading {
		w.set(prev)
		return SpinTicket{}, ErrBusy
	}
	if !w.d.Ledger.CanSpin(r.ID) {
		w.set(prev)
		w.log.Info("spin refused", "restaurant", r.ID, "reason", "daily limit")
		return SpinTicket{}, ErrSpinLimit
	}
	if err := w.d.Ledger.RecordSpin(r.ID); err != nil {
		w.set(prev)
		if errors.Is(err, ledger.ErrLimitReached) {
			return SpinTicket{}, ErrSpinLimit
		}
		return SpinTicket{}, fmt.Errorf("record spin: %w", err)
	}

	now := w.d.Clock.Now()
	t := SpinTicket{
		ID:             uuid.New(),
		RestaurantID:   r.ID,
		RestaurantName: r.Name,
		Result:         w.d.Engine.Determine(r.SpinOffers),
		StartedAt:      now,
		RevealAt:       now.Add(animation.RevealAfter),
		Remaining:      w.d.Ledger.RemainingSpins(r.ID),
	}
	w.mu.Lock()
	w.ticket = &t
	w.mu.Unlock()
	w.log.Info("spin started", "restaurant", r.ID, "ticket", t.ID, "remaining", t.Remaining)
	return t, nil
}

// AwaitReveal waits until t's reveal time on the workflow clock, then
// reveals it. If ctx ends first the spin is revealed at once and ctx's
// error is returned with the outcome; the decided result is never lost.
func (w *Workflow) AwaitReveal(ctx context.Context, t SpinTicket) (Outcome, error) {
	if d := t.RevealAt.Sub(w.d.Clock.Now()); d > 0 {
		select {
		case <-ctx.Done():
			out, err := w.Reveal(t)
			return out, errors.Join(ctx.Err(), err)
		case <-w.d.Clock.After(d):
		}
	}
	return w.Reveal(t)
}

// Reveal applies the result of t. A spin whose restaurant is no longer
// current is dropped without side effects.
func (w *Workflow) Reveal(t SpinTicket) (Outcome, error) {
	w.mu.Lock()
	if w.phase != Spinning || w.ticket == nil || w.ticket.ID != t.ID {
		w.mu.Unlock()
		return Outcome{}, ErrStaleSpin
	}
	w.ticket = nil
	w.mu.Unlock()

	cur := w.d.State.Snapshot().CurrentRestaurant
	if cur == nil || cur.ID != t.RestaurantID {
		w.set(Idle)
		w.log.Warn("dropping stale spin", "ticket", t.ID, "restaurant", t.RestaurantID)
		return Outcome{}, ErrStaleSpin
	}

	result := t.Result
	w.d.State.SetSpinResult(&result)

	if !result.IsWin() {
		msg := result.Label
		if msg == "" {
			msg = DefaultMessage
		}
		w.set(ResultReady)
		return Outcome{Result: result, Message: msg}, nil
	}

	err := w.d.State.SetClaimNavigationState(&models.ClaimNavigationState{
		SpinResult:     &result,
		RestaurantID:   t.RestaurantID,
		RestaurantName: t.RestaurantName,
	})
	if err != nil {
		f := Failure{Title: "Error", Message: fmt.Sprintf("Could not save your reward: %v", err)}
		w.fail(f, err)
		return Outcome{Result: result, Win: true}, err
	}
	w.set(AwaitingClaim)
	w.log.Info("spin won", "restaurant", t.RestaurantID, "reward", result.Label)
	return Outcome{Result: result, Win: true, Message: result.Label}, nil
}

// ConfirmClaim starts claiming the pending reward. When nobody is signed
// in the workflow suspends: it navigates to the auth route and returns
// ErrAuthRequired, leaving the pending claim in the session store.
func (w *Workflow) ConfirmClaim(ctx context.Context) (Step, error) {
	if _, ok := w.enter(AuthCheck, AwaitingClaim, Idle, ResultReady); !ok {
		return Step{Phase: w.Phase()}, ErrBusy
	}
	return w.check(ctx, w.d.Identity.Session())
}

// Resume continues a pending claim after authentication or a restart. It
// waits for the identity provider to settle first.
func (w *Workflow) Resume(ctx context.Context) (Step, error) {
	if _, ok := w.enter(AuthCheck, AwaitingClaim, Idle, ResultReady, Failed, Claimed); !ok {
		return Step{Phase: w.Phase()}, ErrBusy
	}
	wctx, cancel := context.WithTimeout(ctx, w.d.AuthSettleTimeout)
	sess, err := identity.WaitSettled(wctx, w.d.Identity)
	cancel()
	if err != nil {
		w.log.Warn("identity did not settle", "error", err)
	}
	w.d.State.SetAuthState(sess.AuthState())
	return w.check(ctx, sess)
}

func (w *Workflow) check(ctx context.Context, sess identity.Session) (Step, error) {
	snap := w.d.State.Snapshot()
	if !snap.ClaimNavigationState.Valid() {
		return w.fail(failContextLost, ErrClaimContextLost)
	}
	if !sess.Authenticated || sess.User == nil {
		w.set(Idle)
		w.d.Navigator.Navigate(models.AuthRoute())
		w.log.Info("claim suspended for sign-in", "restaurant", snap.ClaimNavigationState.RestaurantID)
		return Step{Phase: Idle}, ErrAuthRequired
	}
	if snap.UserProfile.Complete() {
		return w.submit(ctx, snap.ClaimNavigationState, snap.UserProfile.Name, snap.UserProfile.WhatsApp)
	}
	w.set(ProfileCollection)
	return Step{Phase: ProfileCollection, Prefill: profile.Prefill(snap.UserProfile, sess.User)}, nil
}

// SubmitProfile saves the visitor's name and WhatsApp number and submits
// the pending claim. A validation error leaves everything unchanged.
func (w *Workflow) SubmitProfile(ctx context.Context, name, whatsapp string) (Step, error) {
	name, whatsapp = profile.Normalize(name), profile.Normalize(whatsapp)
	if w.Phase() != ProfileCollection {
		return Step{Phase: w.Phase()}, ErrBusy
	}
	if err := profile.Validate(name, whatsapp); err != nil {
		return Step{Phase: ProfileCollection, Prefill: models.UserProfile{Name: name, WhatsApp: whatsapp}}, err
	}
	if _, ok := w.enter(Submitting, ProfileCollection); !ok {
		return Step{Phase: w.Phase()}, ErrBusy
	}

	if err := w.d.State.UpdateUserProfile(name, whatsapp); err != nil {
		return w.fail(Failure{Title: "Error", Message: fmt.Sprintf("Error saving profile: %v", err)}, err)
	}
	if sess := w.d.Identity.Session(); sess.User != nil && sess.User.DisplayName != name {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := w.d.Identity.UpdateDisplayName(ctx, name); err != nil {
				w.log.Warn("update display name", "error", err)
			}
		}()
	}

	snap := w.d.State.Snapshot()
	if p := snap.UserProfile; p == nil || p.Name != name || p.WhatsApp != whatsapp {
		return w.fail(failMismatch, ErrProfileMismatch)
	}
	if !snap.ClaimNavigationState.Valid() {
		return w.fail(failContextLost, ErrClaimContextLost)
	}
	return w.submit(ctx, snap.ClaimNavigationState, name, whatsapp)
}

func (w *Workflow) submit(ctx context.Context, nav *models.ClaimNavigationState, name, whatsapp string) (Step, error) {
	w.set(Submitting)
	w.d.State.SetLoading(true)
	defer w.d.State.SetLoading(false)

	resp, err := w.send(ctx, nav, name, whatsapp)
	if err != nil {
		return w.fail(Failure{Title: "Claim Failed", Message: "Could not claim reward: " + failureText(err)}, err)
	}

	if err := w.d.State.SetClaimNavigationState(&models.ClaimNavigationState{
		ClaimAPIResponse: resp,
		RestaurantID:     nav.RestaurantID,
		RestaurantName:   nav.RestaurantName,
	}); err != nil {
		w.log.Error("save claim response", "error", err)
	}
	w.set(Claimed)
	w.log.Info("reward claimed", "restaurant", nav.RestaurantID, "coupon", resp.CouponCode)
	w.d.Navigator.Navigate(models.CouponRoute(nav.RestaurantID))
	if w.d.Refresher != nil {
		w.d.Refresher.Trigger()
	}
	return Step{Phase: Claimed, Response: resp}, nil
}

func (w *Workflow) send(ctx context.Context, nav *models.ClaimNavigationState, name, whatsapp string) (*models.ClaimResponse, error) {
	token, err := w.d.Identity.Token(ctx)
	sess := w.d.Identity.Session()
	if err != nil || token == "" || sess.User == nil {
		return nil, ErrNotAuthenticated
	}
	if !nav.Valid() {
		return nil, ErrMissingClaimInfo
	}
	if name == "" {
		return nil, profile.ErrNameRequired
	}
	if whatsapp == "" {
		return nil, profile.ErrWhatsAppRequired
	}
	return w.d.Gateway.ClaimReward(ctx, token, models.ClaimRequest{
		RestaurantID: nav.RestaurantID,
		Name:         name,
		WhatsApp:     whatsapp,
		Reward:       nav.SpinResult.Label,
		Email:        sess.User.Email,
		SpendAmount:  0,
	})
}

func failureText(err error) string {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "Please try again."
}

// ConsumeCoupon returns the claimed coupon and clears the pending claim.
func (w *Workflow) ConsumeCoupon() (*models.ClaimResponse, error) {
	nav := w.d.State.Snapshot().ClaimNavigationState
	if nav == nil || nav.ClaimAPIResponse == nil {
		return nil, ErrNoCoupon
	}
	if err := w.d.State.ClearClaimNavigationState(); err != nil {
		return nil, fmt.Errorf("clear claim state: %w", err)
	}
	w.enter(Idle, Claimed)
	return nav.ClaimAPIResponse, nil
}

// Dismiss returns to Idle from any phase that is not waiting on work in
// progress. A pending claim is kept.
func (w *Workflow) Dismiss() {
	w.enter(Idle, ResultReady, AwaitingClaim, ProfileCollection, Claimed, Failed)
}

// AfterAuthentication is called once the visitor signs in. A pending claim
// resumes; otherwise the visitor lands on the dashboard.
func (w *Workflow) AfterAuthentication(ctx context.Context) (Step, error) {
	if nav := w.d.State.Snapshot().ClaimNavigationState; nav != nil && nav.SpinResult != nil {
		return w.Resume(ctx)
	}
	w.d.Navigator.Navigate(models.DashboardRoute())
	return Step{Phase: w.Phase()}, nil
}
