// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2026 Jared Redh. All rights reserved.

package app

import (
	"fmt"
	"math"
	"strings"

	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"

	"github.com/jredh-dev/spinwheel/internal/animation"
	"github.com/jredh-dev/spinwheel/internal/claim"
	"github.com/jredh-dev/spinwheel/internal/dashboard"
	"github.com/jredh-dev/spinwheel/internal/restaurant"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

// --- Styles ---

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color(restaurant.DefaultPrimary))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color(restaurant.DefaultAccent))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF4444")).
			Bold(true)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(restaurant.DefaultSecondary))

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(restaurant.DefaultPrimary)).
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444466")).
			Padding(0, 1)
)

// View renders the full-screen TUI.
func (m Model) View() tea.View {
	if m.width == 0 {
		v := tea.NewView("loading...")
		v.AltScreen = true
		return v
	}

	var s string
	if m.failure != nil {
		s = m.viewFailure()
	} else {
		switch m.screen() {
		case screenHome:
			s = m.viewHome()
		case screenLanding:
			s = m.viewLanding()
		case screenSpin:
			s = m.viewSpin()
		case screenAuth:
			s = m.viewAuth()
		case screenProfile:
			s = m.viewProfile()
		case screenCoupon:
			s = m.viewCoupon()
		case screenDashboard:
			s = m.viewDashboard()
		case screenNotFound:
			s = m.viewNotFound()
		}
	}

	v := tea.NewView(m.frameBox(s))
	v.AltScreen = true
	return v
}

func (m Model) frameBox(content string) string {
	innerW := m.width - 4
	if innerW < 20 {
		innerW = 20
	}
	return panelStyle.Width(innerW).Render(content)
}

func themed(r *models.Restaurant) lipgloss.Style {
	if r == nil || r.Theme.Primary == "" {
		return titleStyle
	}
	return titleStyle.Foreground(lipgloss.Color(r.Theme.Primary))
}

// --- Screens ---

func (m Model) viewHome() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("SPIN THE WHEEL"))
	b.WriteString("\n\n")
	if len(m.restaurants) == 0 {
		b.WriteString(dimStyle.Render("No restaurants configured."))
		b.WriteString("\n")
	}
	for i, r := range m.restaurants {
		if i == m.menuIdx {
			b.WriteString(selectedStyle.Render(" ▸ " + r.Name + " "))
		} else {
			b.WriteString("   " + r.Name)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.accountLine())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("[↑/↓] choose  [enter] open  [d] dashboard  [a] sign in  [q] quit"))
	return b.String()
}

func (m Model) accountLine() string {
	snap := m.d.Store.Snapshot()
	switch {
	case snap.AuthLoading:
		return dimStyle.Render("Checking sign-in...")
	case snap.IsAuthenticated && snap.User != nil:
		return dimStyle.Render("Signed in as ") + valueStyle.Render(snap.User.Email)
	}
	return dimStyle.Render("Not signed in")
}

func (m Model) viewLanding() string {
	r := m.d.Store.Snapshot().CurrentRestaurant
	if r == nil {
		return m.viewNotFound()
	}
	var b strings.Builder
	b.WriteString(themed(r).Render(r.Name))
	b.WriteString("\n\n")
	if r.Description != "" {
		b.WriteString(r.Description)
		b.WriteString("\n\n")
	}
	b.WriteString(m.rewardsPreview(r))
	b.WriteString(m.spinsLine(r))
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("[enter] spin  [d] dashboard  [esc] back"))
	return b.String()
}

// rewardsPreview lists up to six winnable offers.
func (m Model) rewardsPreview(r *models.Restaurant) string {
	var b strings.Builder
	n := 0
	for _, o := range r.SpinOffers {
		if o.Value == models.ValueTryAgain {
			continue
		}
		if n == 6 {
			break
		}
		if n == 0 {
			b.WriteString(dimStyle.Render("Rewards:"))
			b.WriteString("\n")
		}
		b.WriteString("  • " + offerStyle(o).Render(o.Label) + "\n")
		n++
	}
	if n > 0 {
		b.WriteString("\n")
	}
	return b.String()
}

func offerStyle(o models.Offer) lipgloss.Style {
	st := lipgloss.NewStyle()
	if o.Color != "" {
		st = st.Foreground(lipgloss.Color(o.Color))
	}
	return st
}

func (m Model) spinsLine(r *models.Restaurant) string {
	left := m.d.Spins.RemainingSpins(r.ID)
	if left <= 0 {
		return errStyle.Render("No Spins Left")
	}
	return "Spins left: " + valueStyle.Render(fmt.Sprintf("%d/%d", left, m.d.Spins.Cap()))
}

func (m Model) viewSpin() string {
	snap := m.d.Store.Snapshot()
	r := snap.CurrentRestaurant
	if r == nil {
		return m.viewNotFound()
	}
	var b strings.Builder
	b.WriteString(themed(r).Render(r.Name))
	b.WriteString("   ")
	b.WriteString(m.spinsLine(r))
	b.WriteString("\n\n")

	b.WriteString(m.renderAnimation(r))
	b.WriteString("\n\n")

	switch {
	case m.run != nil:
		b.WriteString(dimStyle.Render("Spinning..."))
	case snap.IsLoading || m.d.Workflow.Phase() == claim.Submitting:
		b.WriteString(dimStyle.Render("Claiming your reward..."))
	case m.won != nil:
		b.WriteString(titleStyle.Render("You won: " + m.won.Label + "!"))
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("[enter/c] claim  [s] spin again  [esc] back"))
	case m.message != "":
		b.WriteString(valueStyle.Render(m.message))
	default:
		b.WriteString(dimStyle.Render("[space/enter] spin  [d] dashboard  [esc] back"))
	}
	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(errStyle.Render(m.notice))
	}
	return b.String()
}

func (m Model) renderAnimation(r *models.Restaurant) string {
	items := m.items
	if len(items) == 0 {
		items = animation.NewDriver(m.d.Presentation, r.SpinOffers).Items()
	}
	if len(items) == 0 {
		return dimStyle.Render("No Prizes Available")
	}
	idx := m.frame.Index
	if idx < 0 || idx >= len(items) {
		idx = 0
	}
	if m.d.Presentation == animation.Wheel {
		return renderWheel(items, idx, m.frame.Angle)
	}
	return renderReel(items, idx)
}

// renderReel shows the item under the pointer between its neighbours.
func renderReel(items []models.Offer, idx int) string {
	n := len(items)
	prev, next := items[(idx+n-1)%n], items[(idx+1)%n]
	var b strings.Builder
	b.WriteString("    " + dimStyle.Render(prev.Label) + "\n")
	b.WriteString("  ▶ " + selectedStyle.Render(" "+items[idx].Label+" ") + "\n")
	b.WriteString("    " + dimStyle.Render(next.Label))
	return b.String()
}

// renderWheel lays the sectors out in a row and marks the one under the
// pointer.
func renderWheel(items []models.Offer, idx int, angle float64) string {
	var cells []string
	for i, o := range items {
		st := offerStyle(o).Padding(0, 1)
		if o.Color != "" {
			st = st.Background(lipgloss.Color(o.Color))
			if o.TextColor != "" {
				st = st.Foreground(lipgloss.Color(o.TextColor))
			}
		}
		if i == idx {
			st = st.Bold(true).Underline(true)
		}
		cells = append(cells, st.Render(o.Label))
	}
	deg := int(angle*180/math.Pi) % 360
	return strings.Join(cells, "│") + "\n" + dimStyle.Render(fmt.Sprintf("▲ %s  (%d°)", items[idx].Label, deg))
}

func (m Model) viewAuth() string {
	var b strings.Builder
	title := "Sign In"
	if m.signUp {
		title = "Create Account"
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")
	b.WriteString(m.auth.render())
	b.WriteString("\n")
	if m.busy {
		b.WriteString(dimStyle.Render("Please wait..."))
		b.WriteString("\n")
	}
	if m.authErr != "" {
		b.WriteString(errStyle.Render(m.authErr))
		b.WriteString("\n")
	}
	other := "create account"
	if m.signUp {
		other = "sign in instead"
	}
	b.WriteString(dimStyle.Render("[tab] next field  [enter] submit  [ctrl+n] " + other + "  [esc] back"))
	return b.String()
}

func (m Model) viewProfile() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Complete Your Profile"))
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("We need your name and WhatsApp number to send your reward."))
	b.WriteString("\n\n")
	b.WriteString(m.profile.render())
	b.WriteString("\n")
	if m.busy {
		b.WriteString(dimStyle.Render("Saving..."))
		b.WriteString("\n")
	}
	if m.profileErr != "" {
		b.WriteString(errStyle.Render(m.profileErr))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("[tab] next field  [enter] save and claim  [esc] later"))
	return b.String()
}

func (m Model) viewCoupon() string {
	var b strings.Builder
	c := m.coupon
	if c == nil || c.CouponCode == "" {
		b.WriteString(errStyle.Render("Error displaying coupon."))
		b.WriteString("\n\n")
		b.WriteString(dimStyle.Render("Please try again.  [esc] back"))
		return b.String()
	}
	desc := c.Message
	if desc == "" {
		desc = "Reward Claimed!"
	}
	b.WriteString(titleStyle.Render(desc))
	b.WriteString("\n\n")
	b.WriteString("  Code: " + selectedStyle.Render(" "+c.CouponCode+" "))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("Expires: %s. Show code to redeem.", formatDate(c.ExpiryDate)))
	b.WriteString("\n")
	if len(c.AchievedRewards) > 0 {
		b.WriteString("\n")
		b.WriteString(valueStyle.Render("🎉 Bonus Unlocked! Check your dashboard for details."))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("[r] spin again  [d] view rewards  [esc] back"))
	return b.String()
}

func (m Model) viewDashboard() string {
	snap := m.d.Store.Snapshot()
	header := dashboard.ProfileHeader(snap.UserProfile, snap.User)

	var b strings.Builder
	b.WriteString(titleStyle.Render(header.Welcome))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Email: ") + header.Email + dimStyle.Render("   WhatsApp: ") + header.Phone)
	b.WriteString("\n\n")

	if snap.DashboardLoading && snap.DashboardData == nil {
		b.WriteString(dimStyle.Render("Loading your rewards..."))
		b.WriteString("\n")
		return b.String()
	}

	sum := dashboard.Summarize(snap.DashboardData)
	if !sum.OK || len(sum.Tabs) == 0 {
		b.WriteString(dimStyle.Render(sum.Message))
		b.WriteString("\n\n")
	} else {
		b.WriteString("Total points: " + valueStyle.Render(fmt.Sprint(sum.TotalPoints)))
		b.WriteString("\n\n")
		tab := m.dashTab
		if tab >= len(sum.Tabs) {
			tab = len(sum.Tabs) - 1
		}
		b.WriteString(renderTabs(sum.Tabs, tab))
		b.WriteString("\n\n")
		b.WriteString(renderTab(sum.Tabs[tab]))
	}

	if snap.DashboardLoading {
		b.WriteString(dimStyle.Render("Refreshing..."))
		b.WriteString("\n")
	}
	if m.dashErr != "" {
		b.WriteString(errStyle.Render(m.dashErr))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render("[←/→] restaurant  [r] refresh  [o] sign out  [esc] back"))
	return b.String()
}

func renderTabs(tabs []dashboard.Tab, active int) string {
	var parts []string
	for i, t := range tabs {
		if i == active {
			parts = append(parts, selectedStyle.Render(" "+t.Name+" "))
		} else {
			parts = append(parts, dimStyle.Render(" "+t.Name+" "))
		}
	}
	return strings.Join(parts, " ")
}

func renderTab(t dashboard.Tab) string {
	var b strings.Builder
	b.WriteString("Points: " + valueStyle.Render(fmt.Sprint(t.Points)))
	b.WriteString("\n")
	for _, g := range t.Unlocked {
		b.WriteString(fmt.Sprintf("  ✓ %s %s\n", g.Reward, dimStyle.Render(fmt.Sprintf("(%d pts)", g.Points))))
	}
	for _, g := range t.Upcoming {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  ○ %s (%d pts, %d to go)", g.Reward, g.Points, g.Points-t.Points)))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if len(t.History) == 0 {
		b.WriteString(dimStyle.Render("No claims yet."))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString(dimStyle.Render("History:"))
	b.WriteString("\n")
	for _, h := range t.History {
		b.WriteString(fmt.Sprintf("  %s  %s  %s\n", formatDate(h.ClaimedAt), h.Offer, valueStyle.Render(h.CouponCode)))
	}
	return b.String()
}

func (m Model) viewNotFound() string {
	return errStyle.Render("Restaurant not found.") + "\n\n" + dimStyle.Render("[enter] back to the list")
}

func (m Model) viewFailure() string {
	f := m.failure
	return errStyle.Render(f.Title) + "\n\n" + f.Message + "\n\n" + dimStyle.Render("[enter] ok")
}

// formatDate trims an ISO timestamp to its date.
func formatDate(s string) string {
	if s == "" {
		return "N/A"
	}
	if i := strings.IndexByte(s, 'T'); i > 0 {
		return s[:i]
	}
	return s
}
