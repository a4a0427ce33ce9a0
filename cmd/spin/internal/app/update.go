// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2026 Jared Redh. All rights reserved.

package app

import (
	"context"
	"errors"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/jredh-dev/spinwheel/internal/animation"
	"github.com/jredh-dev/spinwheel/internal/claim"
	"github.com/jredh-dev/spinwheel/internal/dashboard"
	"github.com/jredh-dev/spinwheel/internal/profile"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

const requestTimeout = 30 * time.Second

type screen int

const (
	screenHome screen = iota
	screenLanding
	screenSpin
	screenAuth
	screenProfile
	screenCoupon
	screenDashboard
	screenNotFound
)

// screen derives what to show from the current route and claim phase.
func (m Model) screen() screen {
	if m.d.Workflow.Phase() == claim.ProfileCollection {
		return screenProfile
	}
	switch m.d.Store.Snapshot().CurrentRoute.Path {
	case models.PathLanding:
		return screenLanding
	case models.PathSpin:
		return screenSpin
	case models.PathAuth:
		return screenAuth
	case models.PathCoupon:
		return screenCoupon
	case models.PathDashboard:
		return screenDashboard
	case models.PathNotFound:
		return screenNotFound
	}
	return screenHome
}

// Init loads the restaurant catalog.
func (m Model) Init() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return restaurantsMsg{list: m.d.Catalog.All(ctx)}
	}
}

// Update is the bubbletea update function.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyPressMsg:
		return m.handleKey(msg)

	case StateChanged:
		return m, nil

	case restaurantsMsg:
		return m.handleRestaurants(msg)

	case frameMsg:
		if m.run == nil || msg.gen != m.run.gen {
			return m, nil
		}
		m.frame = msg.frame
		return m, waitFrame(m.run.driver, m.run.gen)

	case animDoneMsg:
		return m, nil

	case stopMsg:
		if m.run != nil && msg.gen == m.run.gen {
			m.run.driver.Stop(m.run.ticket.Result, nil)
		}
		return m, nil

	case revealMsg:
		return m.handleReveal(msg)

	case clearMessageMsg:
		if msg.gen == m.msgGen {
			m.message = ""
			if m.d.Workflow.Phase() == claim.ResultReady {
				m.d.Workflow.Dismiss()
			}
		}
		return m, nil

	case stepMsg:
		return m.handleStep(msg.step, msg.err)

	case authResultMsg:
		return m.handleAuthResult(msg)

	case signedOutMsg:
		m.busy = false
		if msg.err != nil {
			m.dashErr = msg.err.Error()
			return m, nil
		}
		m = m.navigate(models.Route{Path: models.PathHome})
		return m, nil

	case dashboardMsg:
		if msg.err != nil {
			m.dashErr = "Could not refresh: " + msg.err.Error()
		} else {
			m.dashErr = ""
		}
		return m, nil
	}

	return m, nil
}

// --- Navigation ---

// navigate changes route. Leaving the spin screen cancels the animation and
// any pending message timer; the reveal itself still runs so the workflow
// settles.
func (m Model) navigate(r models.Route) Model {
	if r.Path != models.PathSpin {
		m = m.cancelSpin()
	}
	if id := r.RestaurantID(); id != "" {
		rest, ok := m.d.Catalog.ByID(context.Background(), id)
		if ok {
			m.d.Store.SetCurrentRestaurant(rest)
		} else {
			m.d.Store.SetCurrentRestaurant(nil)
			r = models.NotFoundRoute()
		}
	}
	m.d.Store.SetCurrentRoute(r)
	m.notice = ""
	return m
}

func (m Model) cancelSpin() Model {
	if m.run != nil {
		m.run.driver.Cancel()
		m.run = nil
	}
	m.message = ""
	m.msgGen++
	return m
}

func (m Model) handleRestaurants(msg restaurantsMsg) (tea.Model, tea.Cmd) {
	m.restaurants = msg.list
	snap := m.d.Store.Snapshot()

	// A claim left over from an earlier run takes precedence.
	if nav := snap.ClaimNavigationState; nav != nil && nav.RestaurantID != "" {
		if nav.ClaimAPIResponse != nil {
			m = m.navigate(models.CouponRoute(nav.RestaurantID))
			return m.showCoupon(), nil
		}
		if nav.SpinResult != nil {
			m = m.navigate(models.SpinRoute(nav.RestaurantID))
			won := *nav.SpinResult
			m.won = &won
			return m, nil
		}
	}
	if m.d.StartRoute != "" {
		m = m.navigate(models.LandingRoute(m.d.StartRoute))
	}
	return m, nil
}

// --- Key handling ---

func (m Model) handleKey(msg tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	k := msg.Key()

	if k.Code == 'c' && k.Mod == tea.ModCtrl {
		m = m.cancelSpin()
		return m, tea.Quit
	}

	if m.failure != nil {
		if k.Code == tea.KeyEnter || k.Code == tea.KeyEscape {
			m.failure = nil
			m.d.Workflow.Dismiss()
		}
		return m, nil
	}

	switch m.screen() {
	case screenHome:
		return m.handleHomeKey(k)
	case screenLanding:
		return m.handleLandingKey(k)
	case screenSpin:
		return m.handleSpinKey(k)
	case screenAuth:
		return m.handleAuthKey(k)
	case screenProfile:
		return m.handleProfileKey(k)
	case screenCoupon:
		return m.handleCouponKey(k)
	case screenDashboard:
		return m.handleDashboardKey(k)
	case screenNotFound:
		if k.Code == tea.KeyEnter || k.Code == tea.KeyEscape {
			return m.navigate(models.Route{Path: models.PathHome}), nil
		}
	}
	return m, nil
}

func (m Model) handleHomeKey(k tea.Key) (tea.Model, tea.Cmd) {
	switch k.Code {
	case tea.KeyUp, 'k':
		if m.menuIdx > 0 {
			m.menuIdx--
		}
	case tea.KeyDown, 'j':
		if m.menuIdx < len(m.restaurants)-1 {
			m.menuIdx++
		}
	case tea.KeyEnter:
		if m.menuIdx < len(m.restaurants) {
			return m.navigate(models.LandingRoute(m.restaurants[m.menuIdx].ID)), nil
		}
	case 'd':
		return m.openDashboard()
	case 'a':
		return m.openAuth(), nil
	case 'q', tea.KeyEscape:
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleLandingKey(k tea.Key) (tea.Model, tea.Cmd) {
	id := m.d.Store.Snapshot().CurrentRoute.RestaurantID()
	switch k.Code {
	case tea.KeyEnter, 's':
		return m.navigate(models.SpinRoute(id)), nil
	case 'd':
		return m.openDashboard()
	case tea.KeyEscape, 'q':
		return m.navigate(models.Route{Path: models.PathHome}), nil
	}
	return m, nil
}

func (m Model) handleSpinKey(k tea.Key) (tea.Model, tea.Cmd) {
	switch k.Code {
	case tea.KeySpace, tea.KeyEnter:
		if m.won != nil && m.run == nil {
			return m.confirmClaim()
		}
		return m.startSpin()
	case 's':
		return m.startSpin()
	case 'c':
		if m.won != nil {
			return m.confirmClaim()
		}
	case 'd':
		return m.openDashboard()
	case tea.KeyEscape, 'q':
		id := m.d.Store.Snapshot().CurrentRoute.RestaurantID()
		m.won = nil
		return m.navigate(models.LandingRoute(id)), nil
	}
	return m, nil
}

func (m Model) handleAuthKey(k tea.Key) (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	switch {
	case k.Code == tea.KeyEscape:
		return m.navigate(models.Route{Path: models.PathHome}), nil
	case k.Code == 'n' && k.Mod == tea.ModCtrl:
		m.signUp = !m.signUp
		m.authErr = ""
		if m.signUp {
			m.auth = signUpForm()
		} else {
			m.auth = loginForm()
		}
	case k.Code == tea.KeyTab || k.Code == tea.KeyDown:
		m.auth = m.auth.next()
	case k.Code == tea.KeyUp:
		m.auth = m.auth.prev()
	case k.Code == tea.KeyBackspace:
		m.auth = m.auth.backspace()
	case k.Code == tea.KeyEnter:
		if m.signUp {
			err := profile.ValidateSignUp(m.auth.value("Email"), m.auth.value("Password"),
				m.auth.value("Name"), m.auth.value("WhatsApp"))
			if err != nil {
				m.authErr = err.Error()
				return m, nil
			}
		}
		m.busy = true
		m.authErr = ""
		return m, m.doAuth()
	case k.Text != "":
		m.auth = m.auth.typed(k.Text)
	}
	return m, nil
}

func (m Model) handleProfileKey(k tea.Key) (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	switch {
	case k.Code == tea.KeyEscape:
		m.d.Workflow.Dismiss()
		m.profileErr = ""
	case k.Code == tea.KeyTab || k.Code == tea.KeyDown:
		m.profile = m.profile.next()
	case k.Code == tea.KeyUp:
		m.profile = m.profile.prev()
	case k.Code == tea.KeyBackspace:
		m.profile = m.profile.backspace()
	case k.Code == tea.KeyEnter:
		m.busy = true
		m.profileErr = ""
		return m, m.doSubmitProfile(m.profile.value("Name"), m.profile.value("WhatsApp"))
	case k.Text != "":
		m.profile = m.profile.typed(k.Text)
	}
	return m, nil
}

func (m Model) handleCouponKey(k tea.Key) (tea.Model, tea.Cmd) {
	id := m.d.Store.Snapshot().CurrentRoute.RestaurantID()
	switch k.Code {
	case 'r', tea.KeyEnter:
		m.coupon = nil
		return m.navigate(models.SpinRoute(id)), nil
	case 'd':
		m.coupon = nil
		return m.openDashboard()
	case tea.KeyEscape, 'q':
		m.coupon = nil
		return m.navigate(models.LandingRoute(id)), nil
	}
	return m, nil
}

func (m Model) handleDashboardKey(k tea.Key) (tea.Model, tea.Cmd) {
	switch k.Code {
	case tea.KeyLeft, 'h':
		if m.dashTab > 0 {
			m.dashTab--
		}
	case tea.KeyRight, 'l':
		if m.dashTab < len(dashboard.Summarize(m.d.Store.Snapshot().DashboardData).Tabs)-1 {
			m.dashTab++
		}
	case 'r':
		return m, m.doRefresh()
	case 'o':
		if m.busy {
			return m, nil
		}
		m.busy = true
		return m, m.doSignOut()
	case tea.KeyEscape, 'q':
		return m.navigate(models.Route{Path: models.PathHome}), nil
	}
	return m, nil
}

func (m Model) openDashboard() (tea.Model, tea.Cmd) {
	if !m.d.Store.Snapshot().IsAuthenticated {
		return m.openAuth(), nil
	}
	m = m.navigate(models.DashboardRoute())
	m.dashTab = 0
	return m, m.doRefresh()
}

func (m Model) openAuth() Model {
	m.signUp = false
	m.auth = loginForm()
	m.authErr = ""
	return m.navigate(models.AuthRoute())
}

// --- Spin ---

func (m Model) startSpin() (tea.Model, tea.Cmd) {
	if m.run != nil {
		return m, nil
	}
	r := m.d.Store.Snapshot().CurrentRestaurant
	t, err := m.d.Workflow.Spin(r)
	switch {
	case errors.Is(err, claim.ErrSpinLimit):
		m.notice = "No spins left today. Come back tomorrow!"
		return m, nil
	case errors.Is(err, claim.ErrBusy):
		m.notice = "Still loading, try again in a moment."
		return m, nil
	case err != nil:
		m.notice = err.Error()
		return m, nil
	}

	m.gen++
	gen := m.gen
	d := animation.NewDriver(m.d.Presentation, r.SpinOffers, m.d.DriverOptions...)
	// ErrNoOffers still leaves a static frame to show.
	_ = d.Start(context.Background())
	m.run = &spinRun{gen: gen, ticket: t, driver: d}
	m.items = d.Items()
	m.frame = animation.Frame{Index: -1}
	m.message, m.notice, m.won = "", "", nil
	m.msgGen++

	return m, tea.Batch(
		waitFrame(d, gen),
		tea.Tick(m.stopAfter, func(time.Time) tea.Msg { return stopMsg{gen: gen} }),
		tea.Tick(m.revealAfter, func(time.Time) tea.Msg { return revealMsg{gen: gen, ticket: t} }),
	)
}

func waitFrame(d *animation.Driver, gen int) tea.Cmd {
	return func() tea.Msg {
		f, ok := <-d.Frames()
		if !ok {
			return animDoneMsg{gen: gen}
		}
		return frameMsg{gen: gen, frame: f}
	}
}

func (m Model) handleReveal(msg revealMsg) (tea.Model, tea.Cmd) {
	out, err := m.d.Workflow.Reveal(msg.ticket)
	current := m.run != nil && m.run.gen == msg.gen
	if current {
		m.run = nil
	}
	if err != nil {
		if current && !errors.Is(err, claim.ErrStaleSpin) {
			m.failure = m.d.Workflow.Failure()
		}
		return m, nil
	}
	if !current {
		return m, nil
	}
	if out.Win {
		won := out.Result
		m.won = &won
		return m, nil
	}
	m.message = out.Message
	m.msgGen++
	gen := m.msgGen
	return m, tea.Tick(m.messageTTL, func(time.Time) tea.Msg { return clearMessageMsg{gen: gen} })
}

// --- Claim ---

func (m Model) confirmClaim() (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	m.busy = true
	wf := m.d.Workflow
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		step, err := wf.ConfirmClaim(ctx)
		return stepMsg{step: step, err: err}
	}
}

func (m Model) doSubmitProfile(name, whatsapp string) tea.Cmd {
	wf := m.d.Workflow
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		step, err := wf.SubmitProfile(ctx, name, whatsapp)
		return stepMsg{step: step, err: err}
	}
}

func (m Model) handleStep(step claim.Step, err error) (tea.Model, tea.Cmd) {
	m.busy = false
	switch {
	case errors.Is(err, claim.ErrAuthRequired):
		m = m.cancelSpin()
		m.signUp = false
		m.auth = loginForm()
		m.authErr = "Sign in to claim your reward."
		return m, nil
	case errors.Is(err, claim.ErrBusy):
		m.notice = "Still loading, try again in a moment."
		return m, nil
	}

	switch step.Phase {
	case claim.ProfileCollection:
		if err != nil {
			m.profileErr = err.Error()
			return m, nil
		}
		m.profile = profileForm(step.Prefill)
		m.profileErr = ""
	case claim.Claimed:
		m.won = nil
		m = m.cancelSpin()
		return m.showCoupon(), nil
	case claim.Failed:
		m.won = nil
		m.failure = step.Failure
	}
	return m, nil
}

func (m Model) showCoupon() Model {
	resp, err := m.d.Workflow.ConsumeCoupon()
	if err != nil {
		id := m.d.Store.Snapshot().CurrentRoute.RestaurantID()
		return m.navigate(models.LandingRoute(id))
	}
	m.coupon = resp
	return m
}

// --- Auth ---

func (m Model) doAuth() tea.Cmd {
	auth, wf, store := m.d.Auth, m.d.Workflow, m.d.Store
	signUp := m.signUp
	email, password := m.auth.value("Email"), m.auth.value("Password")
	name, whatsapp := m.auth.value("Name"), m.auth.value("WhatsApp")
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var err error
		if signUp {
			_, err = auth.SignUp(ctx, email, password, name)
		} else {
			_, err = auth.SignIn(ctx, email, password)
		}
		if err != nil {
			return authResultMsg{authErr: err}
		}
		if signUp {
			if err := store.UpdateUserProfile(name, whatsapp); err != nil {
				return authResultMsg{authErr: err}
			}
		}
		step, err := wf.AfterAuthentication(ctx)
		return authResultMsg{step: step, err: err}
	}
}

func (m Model) handleAuthResult(msg authResultMsg) (tea.Model, tea.Cmd) {
	m.busy = false
	if msg.authErr != nil {
		m.authErr = msg.authErr.Error()
		return m, nil
	}
	m.auth = loginForm()
	m.signUp = false
	m.authErr = ""
	next, cmd := m.handleStep(msg.step, msg.err)
	nm := next.(Model)
	if nm.screen() == screenDashboard {
		return nm, nm.doRefresh()
	}
	return nm, cmd
}

func (m Model) doSignOut() tea.Cmd {
	auth := m.d.Auth
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return signedOutMsg{err: auth.SignOut(ctx)}
	}
}

// --- Dashboard ---

func (m Model) doRefresh() tea.Cmd {
	dash := m.d.Dashboard
	if dash == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return dashboardMsg{err: dash.Refresh(ctx)}
	}
}
