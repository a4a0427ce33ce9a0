package models

import (
	"encoding/json"
	"strings"
)

// Reserved offer values. Neither grants a reward.
const (
	ValueTryAgain = "TRY_AGAIN"
	ValueError    = "ERROR"
)

// Offer is one possible spin outcome: a reward or "try again".
type Offer struct {
	Label     string `json:"label" yaml:"label"`
	Value     string `json:"value" yaml:"value"`
	Color     string `json:"color,omitempty" yaml:"color"`
	TextColor string `json:"textColor,omitempty" yaml:"textColor"`
}

// IsWin reports whether the offer grants a reward.
func (o Offer) IsWin() bool {
	return o.Value != ValueTryAgain && o.Value != ValueError
}

// NoPrizes is returned when a restaurant has nothing to give away.
func NoPrizes() Offer {
	return Offer{Label: "No Prizes Available", Value: ValueTryAgain}
}

// ErrorOffer is shown when a spin cannot be resolved.
func ErrorOffer() Offer {
	return Offer{Label: "Error", Value: ValueError}
}

// Theme holds a restaurant's brand colors. The RGB fields are "r, g, b"
// triplets derived from the hex values.
type Theme struct {
	Primary      string `json:"primary" yaml:"primary"`
	Secondary    string `json:"secondary" yaml:"secondary"`
	Accent       string `json:"accent" yaml:"accent"`
	PrimaryRGB   string `json:"primaryRgb,omitempty" yaml:"-"`
	SecondaryRGB string `json:"secondaryRgb,omitempty" yaml:"-"`
	AccentRGB    string `json:"accentRgb,omitempty" yaml:"-"`
}

// Restaurant is the read-only configuration for one branded wheel.
type Restaurant struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	LogoURL     string  `json:"logoUrl,omitempty" yaml:"logoUrl"`
	Theme       Theme   `json:"theme" yaml:"theme"`
	SpinOffers  []Offer `json:"spinOffers" yaml:"spinOffers"`
}

// User is the signed-in identity as reported by the identity provider.
type User struct {
	UID         string `json:"uid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Phone       string `json:"phoneNumber,omitempty"`
}

// UserProfile is the minimum identity data required to submit a claim.
type UserProfile struct {
	Name     string `json:"name"`
	WhatsApp string `json:"whatsapp"`
}

// Complete reports whether both required fields are present.
func (p *UserProfile) Complete() bool {
	return p != nil && strings.TrimSpace(p.Name) != "" && strings.TrimSpace(p.WhatsApp) != ""
}

// ClaimNavigationState carries an in-progress claim across navigation and
// authentication steps.
type ClaimNavigationState struct {
	SpinResult       *Offer         `json:"spinResult,omitempty"`
	RestaurantID     string         `json:"restaurantId,omitempty"`
	RestaurantName   string         `json:"restaurantName,omitempty"`
	ClaimAPIResponse *ClaimResponse `json:"claimApiResponse,omitempty"`
}

// Valid reports whether a claim attempt may be made from this state.
func (s *ClaimNavigationState) Valid() bool {
	return s != nil && s.SpinResult != nil && s.RestaurantID != ""
}

// Route is the client's current navigation target.
type Route struct {
	Path   string            `json:"path"`
	Params map[string]string `json:"params,omitempty"`
}

// Route patterns.
const (
	PathHome      = "/"
	PathLanding   = "/:restaurantId"
	PathSpin      = "/:restaurantId/spin"
	PathCoupon    = "/:restaurantId/coupon"
	PathDashboard = "/dashboard"
	PathAuth      = "/auth"
	PathNotFound  = "/not-found"
)

// RestaurantID returns the route's restaurant parameter, if any.
func (r Route) RestaurantID() string {
	return r.Params["restaurantId"]
}

func restaurantRoute(path, id string) Route {
	return Route{Path: path, Params: map[string]string{"restaurantId": id}}
}

func LandingRoute(id string) Route { return restaurantRoute(PathLanding, id) }
func SpinRoute(id string) Route    { return restaurantRoute(PathSpin, id) }
func CouponRoute(id string) Route  { return restaurantRoute(PathCoupon, id) }
func DashboardRoute() Route        { return Route{Path: PathDashboard} }
func AuthRoute() Route             { return Route{Path: PathAuth} }
func NotFoundRoute() Route         { return Route{Path: PathNotFound} }

// ClaimRequest is the payload for the claim endpoint.
type ClaimRequest struct {
	RestaurantID string
	Name         string
	WhatsApp     string
	Reward       string
	Email        string // optional
	SpendAmount  float64
}

// ClaimResponse is returned by the claim endpoint on success.
type ClaimResponse struct {
	Message         string            `json:"message"`
	CouponCode      string            `json:"coupon_code"`
	ExpiryDate      string            `json:"expiry_date"`
	AchievedRewards []json.RawMessage `json:"achieved_rewards,omitempty"`
}

// DashboardResponse is the full payload of the dashboard endpoint.
type DashboardResponse struct {
	Status    string                         `json:"status"`
	Detail    string                         `json:"detail,omitempty"`
	Dashboard map[string]RestaurantDashboard `json:"dashboard"`
}

// RestaurantDashboard is one restaurant's slice of the dashboard.
type RestaurantDashboard struct {
	RestaurantInfo RestaurantInfo `json:"restaurant_info"`
	UserData       UserData       `json:"user_data"`
}

type RestaurantInfo struct {
	RestaurantName    string          `json:"restaurant_name,omitempty"`
	SpinPointsPerSpin *int            `json:"spin_points_per_spin,omitempty"`
	LoyaltySettings   LoyaltySettings `json:"loyalty_settings"`
}

type LoyaltySettings struct {
	Current struct {
		RewardThresholds struct {
			// SpinPoints maps a point threshold ("50") to a reward name.
			SpinPoints map[string]string `json:"spin_points,omitempty"`
		} `json:"reward_thresholds"`
	} `json:"current"`
}

type UserData struct {
	ClaimHistory []ClaimHistoryItem `json:"claim_history"`
}

// ClaimHistoryItem is one past claim.
type ClaimHistoryItem struct {
	Offer      string `json:"offer"`
	CouponCode string `json:"coupon_code"`
	ClaimedAt  string `json:"claimed_at"`
	Status     string `json:"status"`
}
