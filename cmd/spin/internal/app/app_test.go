// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2026 Jared Redh. All rights reserved.

package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"

	"github.com/jredh-dev/spinwheel/internal/animation"
	"github.com/jredh-dev/spinwheel/internal/claim"
	"github.com/jredh-dev/spinwheel/internal/dashboard"
	"github.com/jredh-dev/spinwheel/internal/gateway"
	"github.com/jredh-dev/spinwheel/internal/identity"
	"github.com/jredh-dev/spinwheel/internal/ledger"
	"github.com/jredh-dev/spinwheel/internal/outcome"
	"github.com/jredh-dev/spinwheel/internal/profile"
	"github.com/jredh-dev/spinwheel/internal/state"
	"github.com/jredh-dev/spinwheel/internal/storage"
	"github.com/jredh-dev/spinwheel/internal/twin"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

// --- Fixtures ---

type fixedRNG int

func (r fixedRNG) Intn(n int) int { return int(r) % n }

type fakeCatalog []models.Restaurant

func (c fakeCatalog) All(context.Context) []models.Restaurant { return c }

func (c fakeCatalog) ByID(_ context.Context, id string) (*models.Restaurant, bool) {
	for _, r := range c {
		if r.ID == id {
			r := r
			return &r, true
		}
	}
	return nil, false
}

var restaurants = fakeCatalog{
	{
		ID:          "cafe",
		Name:        "Corner Cafe",
		Description: "Coffee and cake",
		SpinOffers: []models.Offer{
			{Label: "Free Coffee", Value: "COFFEE"},
			{Label: "20% Off", Value: "20OFF"},
			{Label: "Try Again", Value: models.ValueTryAgain},
		},
	},
	{
		ID:          "diner",
		Name:        "Night Diner",
		Description: "Open late",
		SpinOffers: []models.Offer{
			{Label: "Better luck next time", Value: models.ValueTryAgain},
		},
	},
}

type env struct {
	m      Model
	store  *state.Store
	ledger *ledger.Ledger
	id     *identity.Local
	wf     *claim.Workflow
	twin   *twin.Server
}

type envOption func(*envConfig)

type envConfig struct {
	cap        int
	startRoute string
	seed       func(*state.Store)
}

func withDailyCap(n int) envOption            { return func(c *envConfig) { c.cap = n } }
func withStartRoute(id string) envOption      { return func(c *envConfig) { c.startRoute = id } }
func withSeed(f func(*state.Store)) envOption { return func(c *envConfig) { c.seed = f } }

// newEnv wires the model to the real core packages, a sqlite database in a
// temp dir and an in-process twin backend.
func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	cfg := envConfig{cap: ledger.DefaultDailyCap}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := storage.Open(filepath.Join(t.TempDir(), "spin.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := state.New(db.Durable(), storage.NewMemory())
	store.Initialize()
	if cfg.seed != nil {
		cfg.seed(store)
	}

	id, err := identity.NewLocal(db, db.Durable(), "app-test-key", identity.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	identity.Bind(ctx, id, store)

	srv := twin.New(id.SigningKey(), twin.WithNames(namer{}))
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	gw := gateway.New(ts.URL)

	led := ledger.New(db.Durable(), store, ledger.WithDailyCap(cfg.cap))
	wf := claim.New(claim.Deps{
		State:             store,
		Ledger:            led,
		Engine:            outcome.NewEngine(fixedRNG(0)),
		Identity:          id,
		Gateway:           gw,
		AuthSettleTimeout: time.Second,
	})

	m := New(Deps{
		Store:         store,
		Workflow:      wf,
		Auth:          id,
		Catalog:       restaurants,
		Spins:         led,
		Dashboard:     dashboard.NewRefresher(store, gw, id),
		Presentation:  animation.Reel,
		DriverOptions: []animation.DriverOption{animation.WithClock(clockwork.NewFakeClock())},
		StartRoute:    cfg.startRoute,
	}, WithTiming(time.Millisecond, time.Millisecond, time.Millisecond))
	m, _ = setSize(m, 100, 40)
	m, _ = runCmd(m, m.Init())

	return &env{m: m, store: store, ledger: led, id: id, wf: wf, twin: srv}
}

type namer struct{}

func (namer) NameByID(_ context.Context, id string) string {
	if r, ok := restaurants.ByID(context.Background(), id); ok {
		return r.Name
	}
	return ""
}

// --- Test helpers ---

func mustModel(iface tea.Model) Model {
	return iface.(Model)
}

func sendKey(m Model, char rune) (Model, tea.Cmd) {
	next, cmd := m.Update(tea.KeyPressMsg{Code: char, Text: string(char)})
	return mustModel(next), cmd
}

func press(m Model, code rune) (Model, tea.Cmd) {
	next, cmd := m.Update(tea.KeyPressMsg{Code: code})
	return mustModel(next), cmd
}

func pressEnter(m Model) (Model, tea.Cmd) { return press(m, tea.KeyEnter) }
func pressEsc(m Model) (Model, tea.Cmd)   { return press(m, tea.KeyEscape) }
func pressTab(m Model) (Model, tea.Cmd)   { return press(m, tea.KeyTab) }

func typeText(m Model, s string) Model {
	for _, r := range s {
		m, _ = sendKey(m, r)
	}
	return m
}

func setSize(m Model, w, h int) (Model, tea.Cmd) {
	next, cmd := m.Update(tea.WindowSizeMsg{Width: w, Height: h})
	return mustModel(next), cmd
}

// runCmd executes a tea.Cmd and dispatches the resulting message into the model.
func runCmd(m Model, cmd tea.Cmd) (Model, tea.Cmd) {
	if cmd == nil {
		return m, nil
	}
	next, nextCmd := m.Update(cmd())
	return mustModel(next), nextCmd
}

// landSpin delivers the stop and reveal ticks of the running spin.
func landSpin(t *testing.T, m Model) Model {
	t.Helper()
	if m.run == nil {
		t.Fatal("no spin running")
	}
	run := m.run
	next, _ := m.Update(stopMsg{gen: run.gen})
	next, _ = next.Update(revealMsg{gen: run.gen, ticket: run.ticket})
	return mustModel(next)
}

// waitFor polls cond until it holds; identity changes reach the store on
// the Bind goroutine.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var sgr = regexp.MustCompile("\x1b\\[[0-9;]*m")

// viewContains checks the rendered text with styling removed.
func viewContains(t *testing.T, m Model, want ...string) {
	t.Helper()
	v := sgr.ReplaceAllString(m.View().Content, "")
	for _, w := range want {
		if !strings.Contains(v, w) {
			t.Errorf("view missing %q:\n%s", w, v)
		}
	}
}

// --- Tests ---

func TestViewBeforeWindowSize(t *testing.T) {
	m := New(Deps{})
	v := m.View()
	if v.Content != "loading..." {
		t.Errorf("content = %q", v.Content)
	}
	if !v.AltScreen {
		t.Error("expected alt screen")
	}
}

func TestHomeNavigation(t *testing.T) {
	e := newEnv(t)
	m := e.m
	if m.screen() != screenHome {
		t.Fatalf("screen = %v, want home", m.screen())
	}
	viewContains(t, m, "Corner Cafe", "Night Diner", "Not signed in")

	m, _ = press(m, tea.KeyDown)
	m, _ = pressEnter(m)
	if m.screen() != screenLanding {
		t.Fatalf("screen = %v, want landing", m.screen())
	}
	snap := e.store.Snapshot()
	if snap.CurrentRestaurant == nil || snap.CurrentRestaurant.ID != "diner" {
		t.Fatalf("current restaurant = %+v", snap.CurrentRestaurant)
	}
	viewContains(t, m, "Night Diner", "Open late", "Spins left: 3/3")

	m, _ = pressEsc(m)
	if m.screen() != screenHome {
		t.Errorf("esc should return home, got %v", m.screen())
	}
}

func TestStartRoute(t *testing.T) {
	tests := []struct {
		name  string
		route string
		want  screen
	}{
		{"known restaurant", "cafe", screenLanding},
		{"unknown restaurant", "nowhere", screenNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, withStartRoute(tt.route))
			if got := e.m.screen(); got != tt.want {
				t.Errorf("screen = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpinWinSignUpAndClaim(t *testing.T) {
	e := newEnv(t, withStartRoute("cafe"))
	m, _ := pressEnter(e.m)
	if m.screen() != screenSpin {
		t.Fatalf("screen = %v, want spin", m.screen())
	}

	m, cmd := sendKey(m, ' ')
	if m.run == nil || cmd == nil {
		t.Fatal("space should start a spin")
	}
	if got := e.ledger.RemainingSpins("cafe"); got != 2 {
		t.Errorf("remaining = %d, want 2", got)
	}
	// A second press while spinning is ignored.
	if m2, _ := sendKey(m, ' '); m2.run.gen != m.run.gen {
		t.Error("spin restarted while running")
	}

	m = landSpin(t, m)
	if m.won == nil || m.won.Label != "Free Coffee" {
		t.Fatalf("won = %+v", m.won)
	}
	viewContains(t, m, "You won: Free Coffee!")

	// Claiming while signed out suspends for sign-in.
	m, cmd = sendKey(m, 'c')
	m, _ = runCmd(m, cmd)
	if m.screen() != screenAuth {
		t.Fatalf("screen = %v, want auth", m.screen())
	}
	if m.authErr != "Sign in to claim your reward." {
		t.Errorf("authErr = %q", m.authErr)
	}
	if e.store.Snapshot().ClaimNavigationState == nil {
		t.Fatal("pending claim should survive the detour")
	}

	next, _ := m.Update(tea.KeyPressMsg{Code: 'n', Mod: tea.ModCtrl})
	m = mustModel(next)
	if !m.signUp {
		t.Fatal("ctrl+n should switch to sign-up")
	}
	m = typeText(m, "ada@example.com")
	m, _ = pressTab(m)
	m = typeText(m, "secret1")
	m, _ = pressTab(m)
	m = typeText(m, "Ada")
	m, _ = pressTab(m)
	m = typeText(m, "+15550100")

	m, cmd = pressEnter(m)
	if !m.busy {
		t.Error("expected busy while signing up")
	}
	m, _ = runCmd(m, cmd)
	if m.authErr != "" {
		t.Fatalf("authErr = %q", m.authErr)
	}
	if m.screen() != screenCoupon {
		t.Fatalf("screen = %v, want coupon", m.screen())
	}
	if m.coupon == nil || !regexp.MustCompile(`^CAFE-[0-9A-Z]{6}$`).MatchString(m.coupon.CouponCode) {
		t.Fatalf("coupon = %+v", m.coupon)
	}
	viewContains(t, m, m.coupon.CouponCode, "Show code to redeem.")
	if e.store.Snapshot().ClaimNavigationState != nil {
		t.Error("claim state should be cleared once the coupon is shown")
	}
	if e.wf.Phase() != claim.Idle {
		t.Errorf("phase = %v, want idle", e.wf.Phase())
	}

	// The dashboard lists the new claim.
	code := m.coupon.CouponCode
	m, cmd = sendKey(m, 'd')
	if m.screen() != screenDashboard {
		t.Fatalf("screen = %v, want dashboard", m.screen())
	}
	m, _ = runCmd(m, cmd)
	if m.dashErr != "" {
		t.Fatalf("dashErr = %q", m.dashErr)
	}
	viewContains(t, m, "Welcome, Ada", "Corner Cafe", code)
}

func TestSignedInClaimFailureOverlay(t *testing.T) {
	e := newEnv(t, withStartRoute("cafe"))
	if _, err := e.id.SignUp(context.Background(), "ada@example.com", "secret1", "Ada"); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	waitFor(t, func() bool { return e.store.Snapshot().IsAuthenticated })
	if err := e.store.UpdateUserProfile("Ada", "+15550100"); err != nil {
		t.Fatalf("UpdateUserProfile: %v", err)
	}
	e.twin.FailNext(1)

	m, _ := pressEnter(e.m)
	m, _ = sendKey(m, 's')
	m = landSpin(t, m)
	m, cmd := pressEnter(m)
	m, _ = runCmd(m, cmd)

	if m.failure == nil || m.failure.Title != "Claim Failed" {
		t.Fatalf("failure = %+v", m.failure)
	}
	viewContains(t, m, "Claim Failed", "Service temporarily unavailable")

	// Keys other than enter/esc are swallowed by the overlay.
	m, _ = sendKey(m, 'd')
	if m.failure == nil {
		t.Fatal("overlay dismissed by an unrelated key")
	}
	m, _ = pressEnter(m)
	if m.failure != nil || e.wf.Phase() != claim.Idle {
		t.Errorf("after dismiss: failure %+v, phase %v", m.failure, e.wf.Phase())
	}
}

func TestLossMessageClears(t *testing.T) {
	e := newEnv(t, withStartRoute("diner"))
	m, _ := pressEnter(e.m)
	m, _ = sendKey(m, ' ')
	m = landSpin(t, m)

	if m.won != nil {
		t.Fatalf("won = %+v on a losing wheel", m.won)
	}
	if m.message != "Better luck next time" {
		t.Fatalf("message = %q", m.message)
	}
	if e.wf.Phase() != claim.ResultReady {
		t.Errorf("phase = %v, want result ready", e.wf.Phase())
	}

	// A stale timer does nothing.
	next, _ := m.Update(clearMessageMsg{gen: m.msgGen - 1})
	m = mustModel(next)
	if m.message == "" {
		t.Error("stale clear removed the message")
	}
	next, _ = m.Update(clearMessageMsg{gen: m.msgGen})
	m = mustModel(next)
	if m.message != "" || e.wf.Phase() != claim.Idle {
		t.Errorf("after clear: message %q, phase %v", m.message, e.wf.Phase())
	}
}

func TestSpinLimitNotice(t *testing.T) {
	e := newEnv(t, withStartRoute("diner"), withDailyCap(1))
	m, _ := pressEnter(e.m)
	m, _ = sendKey(m, 's')
	m = landSpin(t, m)

	m, cmd := sendKey(m, 's')
	if m.run != nil || cmd != nil {
		t.Fatal("spin should be refused")
	}
	if m.notice != "No spins left today. Come back tomorrow!" {
		t.Errorf("notice = %q", m.notice)
	}
	viewContains(t, m, "No Spins Left")
}

func TestSpinWhileLoadingShowsNotice(t *testing.T) {
	e := newEnv(t, withStartRoute("cafe"))
	m, _ := pressEnter(e.m)
	e.store.SetDashboardLoading(true)

	m, cmd := sendKey(m, 's')
	if m.run != nil || cmd != nil {
		t.Fatal("spin should wait for the refresh")
	}
	if m.notice != "Still loading, try again in a moment." {
		t.Errorf("notice = %q", m.notice)
	}
	if got := e.ledger.RemainingSpins("cafe"); got != 3 {
		t.Errorf("remaining = %d, want 3", got)
	}

	e.store.SetDashboardLoading(false)
	if m, _ = sendKey(m, 's'); m.run == nil {
		t.Error("spin should start once loading finishes")
	}
}

func TestSignUpRequiresWhatsApp(t *testing.T) {
	e := newEnv(t)
	m, _ := sendKey(e.m, 'd')
	next, _ := m.Update(tea.KeyPressMsg{Code: 'n', Mod: tea.ModCtrl})
	m = mustModel(next)

	m = typeText(m, "ada@example.com")
	m, _ = pressTab(m)
	m = typeText(m, "secret1")
	m, _ = pressTab(m)
	m = typeText(m, "Ada")

	m, cmd := pressEnter(m)
	if cmd != nil || m.busy {
		t.Fatal("incomplete sign-up should not reach the identity provider")
	}
	if m.authErr != profile.ErrWhatsAppRequired.Error() {
		t.Errorf("authErr = %q", m.authErr)
	}
	viewContains(t, m, "WhatsApp number is required")
	if e.store.Snapshot().IsAuthenticated {
		t.Error("no account should have been created")
	}
}

func TestLeavingSpinIgnoresReveal(t *testing.T) {
	e := newEnv(t, withStartRoute("cafe"))
	m, _ := pressEnter(e.m)
	m, _ = sendKey(m, ' ')
	run := m.run

	m, _ = pressEsc(m)
	if m.screen() != screenLanding || m.run != nil {
		t.Fatalf("esc should cancel the spin and return to landing")
	}
	next, _ := m.Update(revealMsg{gen: run.gen, ticket: run.ticket})
	m = mustModel(next)
	if m.won != nil {
		t.Error("late reveal should not be shown")
	}
	if e.wf.Phase() != claim.AwaitingClaim {
		t.Errorf("workflow should still settle, phase = %v", e.wf.Phase())
	}
}

func TestPendingCouponShownOnStartup(t *testing.T) {
	e := newEnv(t, withSeed(func(s *state.Store) {
		err := s.SetClaimNavigationState(&models.ClaimNavigationState{
			RestaurantID:   "cafe",
			RestaurantName: "Corner Cafe",
			ClaimAPIResponse: &models.ClaimResponse{
				Message:         "Reward claimed successfully!",
				CouponCode:      "CAFE-AB12CD",
				ExpiryDate:      "2026-11-18",
				AchievedRewards: []json.RawMessage{json.RawMessage(`"Free Dessert"`)},
			},
		})
		if err != nil {
			panic(err)
		}
	}))
	m := e.m
	if m.screen() != screenCoupon {
		t.Fatalf("screen = %v, want coupon", m.screen())
	}
	viewContains(t, m, "CAFE-AB12CD", "Expires: 2026-11-18.", "Bonus Unlocked!")
	if e.store.Snapshot().ClaimNavigationState != nil {
		t.Error("coupon should be consumed")
	}

	m, _ = sendKey(m, 'r')
	if m.screen() != screenSpin || m.coupon != nil {
		t.Errorf("r should go back to the wheel, screen %v", m.screen())
	}
}

func TestDashboardRequiresSignIn(t *testing.T) {
	e := newEnv(t)
	m, _ := sendKey(e.m, 'd')
	if m.screen() != screenAuth {
		t.Fatalf("screen = %v, want auth", m.screen())
	}
	if _, err := e.id.SignUp(context.Background(), "bob@example.com", "secret1", "Bob"); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if err := e.id.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut: %v", err)
	}

	m = typeText(m, "bob@example.com")
	m, _ = pressTab(m)
	m = typeText(m, "wrong-password")
	m, cmd := pressEnter(m)
	m, _ = runCmd(m, cmd)
	if m.authErr == "" || m.screen() != screenAuth {
		t.Fatalf("bad password should stay on auth, err %q", m.authErr)
	}

	for range "wrong-password" {
		m, _ = press(m, tea.KeyBackspace)
	}
	m = typeText(m, "secret1")
	m, cmd = pressEnter(m)
	m, cmd = runCmd(m, cmd)
	if m.screen() != screenDashboard {
		t.Fatalf("screen = %v, want dashboard", m.screen())
	}
	m, _ = runCmd(m, cmd)
	waitFor(t, func() bool { return e.store.Snapshot().User != nil })
	viewContains(t, m, "Welcome, Bob", "Spin at a restaurant to see your activity here!")

	m, cmd = sendKey(m, 'o')
	m, _ = runCmd(m, cmd)
	if m.screen() != screenHome {
		t.Errorf("sign out should return home, got %v", m.screen())
	}
}

func TestFormEditing(t *testing.T) {
	f := signUpForm()
	f = f.typed("a").typed("b")
	f = f.backspace()
	f = f.next().typed("pw")
	f = f.prev().prev()

	if got := f.value("Email"); got != "a" {
		t.Errorf("Email = %q", got)
	}
	if got := f.value("Password"); got != "pw" {
		t.Errorf("Password = %q", got)
	}
	if f.focus != 3 {
		t.Errorf("focus = %d, want 3 after wrapping", f.focus)
	}
	out := f.render()
	if strings.Contains(out, "pw") || !strings.Contains(out, "••") {
		t.Errorf("password not masked:\n%s", out)
	}
}
