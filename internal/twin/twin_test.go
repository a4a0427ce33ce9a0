package twin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"

	"github.com/jredh-dev/spinwheel/internal/analytics"
	"github.com/jredh-dev/spinwheel/internal/gateway"
	"github.com/jredh-dev/spinwheel/internal/identity"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

var testKey = []byte("twin-test-key")

type names map[string]string

func (n names) NameByID(_ context.Context, id string) string {
	if v, ok := n[id]; ok {
		return v
	}
	return "Unknown Restaurant"
}

func sign(t *testing.T, uid string, exp time.Time) string {
	t.Helper()
	claims := identity.Claims{
		UserID: uid,
		Email:  uid + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := New(testKey,
		WithClock(clock),
		WithNames(names{"cafe": "Corner Cafe"}),
		WithLoyalty(25, map[string]string{"50": "Free Coffee"}),
	)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return s, ts, clock
}

var couponPattern = regexp.MustCompile(`^CAFE-[0-9A-Z]{6}$`)

func TestClaimThenDashboard(t *testing.T) {
	_, ts, clock := newTestServer(t)
	client := gateway.New(ts.URL)
	tok := sign(t, "u1", clock.Now().Add(time.Hour))

	resp, err := client.ClaimReward(context.Background(), tok, models.ClaimRequest{
		RestaurantID: "cafe",
		Name:         "Ada",
		WhatsApp:     "15551234567",
		Reward:       "Free Coffee",
	})
	if err != nil {
		t.Fatalf("ClaimReward: %v", err)
	}
	if !couponPattern.MatchString(resp.CouponCode) {
		t.Errorf("coupon = %q", resp.CouponCode)
	}
	if resp.ExpiryDate != "2026-03-31" {
		t.Errorf("expiry = %q", resp.ExpiryDate)
	}

	dash, err := client.FetchDashboard(context.Background(), tok)
	if err != nil {
		t.Fatalf("FetchDashboard: %v", err)
	}
	cafe, ok := dash.Dashboard["cafe"]
	if dash.Status != "success" || !ok {
		t.Fatalf("dashboard = %+v", dash)
	}
	if cafe.RestaurantInfo.RestaurantName != "Corner Cafe" || *cafe.RestaurantInfo.SpinPointsPerSpin != 25 {
		t.Errorf("info = %+v", cafe.RestaurantInfo)
	}
	if len(cafe.UserData.ClaimHistory) != 1 || cafe.UserData.ClaimHistory[0].CouponCode != resp.CouponCode {
		t.Errorf("history = %+v", cafe.UserData.ClaimHistory)
	}

	// Claims are per user.
	other, err := client.FetchDashboard(context.Background(), sign(t, "u2", clock.Now().Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if len(other.Dashboard) != 0 {
		t.Errorf("u2 sees %d restaurants", len(other.Dashboard))
	}
}

func TestClaimRejections(t *testing.T) {
	_, ts, clock := newTestServer(t)
	valid := sign(t, "u1", clock.Now().Add(time.Hour))
	expired := sign(t, "u1", clock.Now().Add(-time.Minute))
	form := url.Values{"name": {"Ada"}, "whatsapp": {"1555"}, "reward": {"Fries"}}

	tests := []struct {
		name   string
		token  string
		query  string
		form   url.Values
		status int
		detail string
	}{
		{"no token", "", "?restaurant_id=cafe", form, http.StatusUnauthorized, "Not authenticated"},
		{"expired", expired, "?restaurant_id=cafe", form, http.StatusUnauthorized, "Invalid or expired token"},
		{"foreign key", "not.a.jwt", "?restaurant_id=cafe", form, http.StatusUnauthorized, "Invalid or expired token"},
		{"no restaurant", valid, "", form, http.StatusBadRequest, "restaurant_id is required"},
		{"missing name", valid, "?restaurant_id=cafe", url.Values{"whatsapp": {"1"}, "reward": {"x"}}, http.StatusUnprocessableEntity, "Missing required field: name"},
		{"bad spend", valid, "?restaurant_id=cafe", url.Values{"name": {"a"}, "whatsapp": {"1"}, "reward": {"x"}, "spend_amount": {"lots"}}, http.StatusUnprocessableEntity, "spend_amount must be a number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/claim-reward"+tt.query, strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var body struct {
				Detail string `json:"detail"`
			}
			json.NewDecoder(resp.Body).Decode(&body)
			if resp.StatusCode != tt.status || body.Detail != tt.detail {
				t.Errorf("got %d %q, want %d %q", resp.StatusCode, body.Detail, tt.status, tt.detail)
			}
		})
	}
}

func TestFailNext(t *testing.T) {
	s, ts, clock := newTestServer(t)
	client := gateway.New(ts.URL)
	tok := sign(t, "u1", clock.Now().Add(time.Hour))
	req := models.ClaimRequest{RestaurantID: "cafe", Name: "Ada", WhatsApp: "1555", Reward: "Fries"}

	s.FailNext(1)
	_, err := client.ClaimReward(context.Background(), tok, req)
	var apiErr *gateway.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("err = %v", err)
	}
	if _, err := client.ClaimReward(context.Background(), tok, req); err != nil {
		t.Fatalf("second claim: %v", err)
	}
}

func TestRecordAndStats(t *testing.T) {
	s, ts, _ := newTestServer(t)
	s.Record(context.Background(), analytics.Event{Type: analytics.TypeSpinRecorded})
	s.Record(context.Background(), analytics.Event{Type: analytics.TypeSpinRecorded})
	s.Record(context.Background(), analytics.Event{Type: analytics.TypeClaimSucceeded})
	if err := s.Record(context.Background(), analytics.Event{}); err == nil {
		t.Error("untyped event accepted")
	}

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Events map[string]int `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Events[analytics.TypeSpinRecorded] != 2 || body.Events[analytics.TypeClaimSucceeded] != 1 {
		t.Errorf("stats = %v", body.Events)
	}
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
}
