// Package twin is an in-memory stand-in for the claim and dashboard API.
// It validates tokens issued by the local identity provider and keeps
// claims for the life of the process.
package twin

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jredh-dev/spinwheel/internal/analytics"
	"github.com/jredh-dev/spinwheel/internal/identity"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

const (
	couponTTL     = 30 * 24 * time.Hour
	couponSuffix  = 6
	base36        = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	expiryLayout  = "2006-01-02"
	claimedLayout = time.RFC3339
)

// Namer resolves restaurant display names. *restaurant.Catalog satisfies it.
type Namer interface {
	NameByID(ctx context.Context, id string) string
}

type claimRecord struct {
	ID           string
	RestaurantID string
	Reward       string
	CouponCode   string
	ClaimedAt    time.Time
}

// Server is the fake backend.
type Server struct {
	key   []byte
	clock clockwork.Clock
	names Namer

	pointsPerSpin int
	thresholds    map[string]string

	mu       sync.Mutex
	claims   map[string][]claimRecord
	failNext int
	events   map[string]int

	log *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock used for claim times and coupon expiry.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithNames sets the restaurant name resolver for dashboard payloads.
func WithNames(n Namer) Option {
	return func(s *Server) { s.names = n }
}

// WithLoyalty sets the points per spin and reward thresholds reported for
// every restaurant.
func WithLoyalty(pointsPerSpin int, thresholds map[string]string) Option {
	return func(s *Server) {
		s.pointsPerSpin = pointsPerSpin
		s.thresholds = thresholds
	}
}

// New returns a server accepting tokens signed with key.
func New(key []byte, opts ...Option) *Server {
	s := &Server{
		key:    key,
		clock:  clockwork.NewRealClock(),
		claims: make(map[string][]claimRecord),
		events: make(map[string]int),
		log:    slog.Default().With("component", "twin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.Stats)
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/claim-reward", s.ClaimReward)
			r.Get("/user-dashboard", s.UserDashboard)
		})
	})
	return r
}

// FailNext makes the next n claim requests fail with 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Record counts an analytics event. It has the analytics.Handler shape.
func (s *Server) Record(_ context.Context, e analytics.Event) error {
	if e.Type == "" {
		return errors.New("event without type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.Type]++
	return nil
}

type ctxKey struct{}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tok == "" {
			jsonError(w, "Not authenticated", http.StatusUnauthorized)
			return
		}
		claims, err := identity.ParseToken(tok, s.key, s.clock.Now())
		if err != nil {
			s.log.Debug("rejected token", "error", err)
			jsonError(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
	})
}

func claimsFrom(ctx context.Context) *identity.Claims {
	c, _ := ctx.Value(ctxKey{}).(*identity.Claims)
	return c
}

// ClaimReward issues a coupon.
// POST /api/claim-reward?restaurant_id=
func (s *Server) ClaimReward(w http.ResponseWriter, r *http.Request) {
	restaurantID := r.URL.Query().Get("restaurant_id")
	if restaurantID == "" {
		jsonError(w, "restaurant_id is required", http.StatusBadRequest)
		return
	}
	if err := r.ParseForm(); err != nil {
		jsonError(w, "invalid form body", http.StatusBadRequest)
		return
	}
	for _, field := range []string{"name", "whatsapp", "reward"} {
		if strings.TrimSpace(r.PostFormValue(field)) == "" {
			jsonError(w, "Missing required field: "+field, http.StatusUnprocessableEntity)
			return
		}
	}
	if v := r.PostFormValue("spend_amount"); v != "" {
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			jsonError(w, "spend_amount must be a number", http.StatusUnprocessableEntity)
			return
		}
	}

	s.mu.Lock()
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		jsonError(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	code, err := couponCode(restaurantID)
	if err != nil {
		s.log.Error("generate coupon", "error", err)
		jsonError(w, "failed to issue coupon", http.StatusInternalServerError)
		return
	}
	now := s.clock.Now().UTC()
	rec := claimRecord{
		ID:           uuid.New().String(),
		RestaurantID: restaurantID,
		Reward:       r.PostFormValue("reward"),
		CouponCode:   code,
		ClaimedAt:    now,
	}
	uid := claimsFrom(r.Context()).UserID

	s.mu.Lock()
	s.claims[uid] = append(s.claims[uid], rec)
	s.mu.Unlock()

	s.log.Info("claim issued", "claim", rec.ID, "restaurant", restaurantID, "user", uid)
	writeJSON(w, http.StatusOK, models.ClaimResponse{
		Message:    "Reward claimed successfully!",
		CouponCode: code,
		ExpiryDate: now.Add(couponTTL).Format(expiryLayout),
	})
}

// UserDashboard lists the caller's claims per restaurant.
// GET /api/user-dashboard
func (s *Server) UserDashboard(w http.ResponseWriter, r *http.Request) {
	uid := claimsFrom(r.Context()).UserID

	s.mu.Lock()
	recs := append([]claimRecord(nil), s.claims[uid]...)
	s.mu.Unlock()

	resp := models.DashboardResponse{Status: "success", Dashboard: map[string]models.RestaurantDashboard{}}
	for _, rec := range recs {
		d, ok := resp.Dashboard[rec.RestaurantID]
		if !ok {
			d.RestaurantInfo = s.info(r.Context(), rec.RestaurantID)
		}
		d.UserData.ClaimHistory = append(d.UserData.ClaimHistory, models.ClaimHistoryItem{
			Offer:      rec.Reward,
			CouponCode: rec.CouponCode,
			ClaimedAt:  rec.ClaimedAt.Format(claimedLayout),
			Status:     "active",
		})
		resp.Dashboard[rec.RestaurantID] = d
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) info(ctx context.Context, restaurantID string) models.RestaurantInfo {
	var info models.RestaurantInfo
	if s.names != nil {
		info.RestaurantName = s.names.NameByID(ctx, restaurantID)
	}
	if s.pointsPerSpin > 0 {
		pts := s.pointsPerSpin
		info.SpinPointsPerSpin = &pts
	}
	if len(s.thresholds) > 0 {
		info.LoyaltySettings.Current.RewardThresholds.SpinPoints = s.thresholds
	}
	return info
}

// Stats reports analytics event counts by type.
// GET /api/stats
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	counts := make(map[string]int, len(s.events))
	for t, n := range s.events {
		counts[t] = n
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"events": counts})
}

// couponCode builds PREFIX-XXXXXX from the restaurant ID.
func couponCode(restaurantID string) (string, error) {
	prefix := restaurantID
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	var b strings.Builder
	b.WriteString(strings.ToUpper(prefix))
	b.WriteByte('-')
	radix := big.NewInt(int64(len(base36)))
	for i := 0; i < couponSuffix; i++ {
		n, err := rand.Int(rand.Reader, radix)
		if err != nil {
			return "", err
		}
		b.WriteByte(base36[n.Int64()])
	}
	return b.String(), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, detail string, status int) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
