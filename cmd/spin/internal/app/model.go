// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2026 Jared Redh. All rights reserved.

package app

import (
	"context"
	"time"

	"github.com/jredh-dev/spinwheel/internal/animation"
	"github.com/jredh-dev/spinwheel/internal/claim"
	"github.com/jredh-dev/spinwheel/internal/identity"
	"github.com/jredh-dev/spinwheel/internal/state"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

// Workflow is the claim state machine as the client drives it.
type Workflow interface {
	Phase() claim.Phase
	Failure() *claim.Failure
	Spin(r *models.Restaurant) (claim.SpinTicket, error)
	Reveal(t claim.SpinTicket) (claim.Outcome, error)
	ConfirmClaim(ctx context.Context) (claim.Step, error)
	Resume(ctx context.Context) (claim.Step, error)
	SubmitProfile(ctx context.Context, name, whatsapp string) (claim.Step, error)
	ConsumeCoupon() (*models.ClaimResponse, error)
	Dismiss()
	AfterAuthentication(ctx context.Context) (claim.Step, error)
}

// Auth signs visitors in and out.
type Auth interface {
	SignUp(ctx context.Context, email, password, displayName string) (identity.Session, error)
	SignIn(ctx context.Context, email, password string) (identity.Session, error)
	SignOut(ctx context.Context) error
}

// Catalog lists the configured restaurants.
type Catalog interface {
	All(ctx context.Context) []models.Restaurant
	ByID(ctx context.Context, id string) (*models.Restaurant, bool)
}

// Spins reports the daily allowance.
type Spins interface {
	RemainingSpins(restaurantID string) int
	Cap() int
}

// Dashboard reloads the cached dashboard payload.
type Dashboard interface {
	Refresh(ctx context.Context) error
}

// Deps wires the model to the core packages.
type Deps struct {
	Store     *state.Store
	Workflow  Workflow
	Auth      Auth
	Catalog   Catalog
	Spins     Spins
	Dashboard Dashboard

	Presentation  animation.Presentation
	DriverOptions []animation.DriverOption
	// StartRoute is the first screen; empty means the restaurant list.
	StartRoute string
}

// spinRun is the spin currently on screen.
type spinRun struct {
	gen    int
	ticket claim.SpinTicket
	driver *animation.Driver
}

// Model is the root bubbletea model for the spin client.
type Model struct {
	d Deps

	width  int
	height int

	revealAfter time.Duration
	stopAfter   time.Duration
	messageTTL  time.Duration

	restaurants []models.Restaurant
	menuIdx     int

	// Spin screen
	run     *spinRun
	gen     int
	frame   animation.Frame
	items   []models.Offer
	message string
	msgGen  int
	notice  string
	won     *models.Offer

	// Auth screen
	signUp  bool
	auth    form
	authErr string
	busy    bool

	// Profile form
	profile    form
	profileErr string

	// Coupon screen
	coupon *models.ClaimResponse

	// Dashboard
	dashTab int
	dashErr string

	failure *claim.Failure
}

// Option adjusts a Model.
type Option func(*Model)

// WithTiming overrides the reveal, landing and message timings.
func WithTiming(revealAfter, stopAfter, messageTTL time.Duration) Option {
	return func(m *Model) {
		m.revealAfter = revealAfter
		m.stopAfter = stopAfter
		m.messageTTL = messageTTL
	}
}

// New creates a Model showing the restaurant list, or StartRoute when set.
func New(d Deps, opts ...Option) Model {
	m := Model{
		d:           d,
		revealAfter: animation.RevealAfter,
		stopAfter:   animation.SpinPhase,
		messageTTL:  claim.MessageTTL,
		auth:        loginForm(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func loginForm() form {
	return newForm([]field{
		{label: "Email"},
		{label: "Password", masked: true},
	})
}

func signUpForm() form {
	return newForm([]field{
		{label: "Email"},
		{label: "Password", masked: true},
		{label: "Name"},
		{label: "WhatsApp"},
	})
}

func profileForm(p models.UserProfile) form {
	f := newForm([]field{
		{label: "Name"},
		{label: "WhatsApp"},
	})
	f.fields[0].value = p.Name
	f.fields[1].value = p.WhatsApp
	return f
}
