// Package dashboard turns the dashboard API payload into loyalty progress
// per restaurant and keeps the cached payload fresh.
package dashboard

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jredh-dev/spinwheel/pkg/models"
)

// DefaultPointsPerSpin applies when a restaurant does not set
// spin_points_per_spin.
const DefaultPointsPerSpin = 10

const (
	msgUnavailable = "Could not load dashboard data."
	msgNoActivity  = "Spin at a restaurant to see your activity here!"
)

// Goal is one loyalty threshold.
type Goal struct {
	Points   int
	Reward   string
	Unlocked bool
}

// Tab is one restaurant's progress.
type Tab struct {
	RestaurantID string
	Name         string
	Points       int
	Unlocked     []Goal
	Upcoming     []Goal
	// History is newest first.
	History []models.ClaimHistoryItem
}

// Summary is everything the dashboard view shows.
type Summary struct {
	OK bool
	// Message explains an empty or failed dashboard.
	Message     string
	TotalPoints int
	// Tabs are sorted by restaurant name.
	Tabs []Tab
}

// Summarize computes per-restaurant points and threshold progress. Points
// are an estimate: claims times points per spin.
func Summarize(resp *models.DashboardResponse) Summary {
	if resp == nil || resp.Status != "success" || resp.Dashboard == nil {
		msg := msgUnavailable
		if resp != nil && resp.Detail != "" {
			msg = resp.Detail
		}
		return Summary{Message: msg}
	}

	s := Summary{OK: true}
	for id, d := range resp.Dashboard {
		tab := buildTab(id, d)
		s.TotalPoints += tab.Points
		s.Tabs = append(s.Tabs, tab)
	}
	if len(s.Tabs) == 0 {
		s.Message = msgNoActivity
		return s
	}
	sort.Slice(s.Tabs, func(i, j int) bool {
		if s.Tabs[i].Name != s.Tabs[j].Name {
			return s.Tabs[i].Name < s.Tabs[j].Name
		}
		return s.Tabs[i].RestaurantID < s.Tabs[j].RestaurantID
	})
	return s
}

func buildTab(id string, d models.RestaurantDashboard) Tab {
	info := d.RestaurantInfo
	name := info.RestaurantName
	if name == "" {
		name = "Rest..." + lastN(id, 4)
	}
	per := DefaultPointsPerSpin
	if info.SpinPointsPerSpin != nil {
		per = *info.SpinPointsPerSpin
	}

	tab := Tab{
		RestaurantID: id,
		Name:         name,
		Points:       len(d.UserData.ClaimHistory) * per,
	}

	var goals []Goal
	for k, reward := range info.LoyaltySettings.Current.RewardThresholds.SpinPoints {
		pts, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			continue
		}
		goals = append(goals, Goal{Points: pts, Reward: reward, Unlocked: tab.Points >= pts})
	}
	sort.Slice(goals, func(i, j int) bool { return goals[i].Points < goals[j].Points })
	for _, g := range goals {
		if g.Unlocked {
			tab.Unlocked = append(tab.Unlocked, g)
		} else {
			tab.Upcoming = append(tab.Upcoming, g)
		}
	}

	tab.History = append([]models.ClaimHistoryItem(nil), d.UserData.ClaimHistory...)
	sort.SliceStable(tab.History, func(i, j int) bool {
		return claimedAt(tab.History[i]).After(claimedAt(tab.History[j]))
	})
	return tab
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// claimedAt parses the claim time; unparseable values sort last.
func claimedAt(c models.ClaimHistoryItem) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, c.ClaimedAt); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Header is the profile block at the top of the dashboard.
type Header struct {
	Welcome string
	Email   string
	Phone   string
}

// ProfileHeader picks the best known name and contact details.
func ProfileHeader(p *models.UserProfile, u *models.User) Header {
	h := Header{Email: "N/A", Phone: "Not Provided"}
	name := ""
	if p != nil {
		name = p.Name
		if p.WhatsApp != "" {
			h.Phone = p.WhatsApp
		}
	}
	if u != nil {
		if name == "" {
			name = u.DisplayName
		}
		if name == "" {
			name = u.Email
		}
		if u.Email != "" {
			h.Email = u.Email
		}
	}
	if name == "" {
		name = "User"
	}
	h.Welcome = "Welcome, " + name + "!"
	return h
}
