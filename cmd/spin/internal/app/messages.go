// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2026 Jared Redh. All rights reserved.

package app

import (
	"github.com/jredh-dev/spinwheel/internal/animation"
	"github.com/jredh-dev/spinwheel/internal/claim"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

// --- Tea messages ---

// StateChanged tells the model the store changed outside Update, for
// example after a background dashboard refresh.
type StateChanged struct{}

type restaurantsMsg struct {
	list []models.Restaurant
}

type frameMsg struct {
	gen   int
	frame animation.Frame
}

type animDoneMsg struct {
	gen int
}

type stopMsg struct {
	gen int
}

type revealMsg struct {
	gen    int
	ticket claim.SpinTicket
}

type clearMessageMsg struct {
	gen int
}

type stepMsg struct {
	step claim.Step
	err  error
}

type authResultMsg struct {
	authErr error
	step    claim.Step
	err     error
}

type signedOutMsg struct {
	err error
}

type dashboardMsg struct {
	err error
}
