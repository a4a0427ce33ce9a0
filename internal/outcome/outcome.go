// Package outcome picks the logical result of a spin. It performs no gating;
// callers must check the spin ledger first.
package outcome

import (
	"math/rand/v2"

	"github.com/jredh-dev/spinwheel/pkg/models"
)

// RNG abstracts random number generation for deterministic testing.
type RNG interface {
	// Intn returns a value in [0, n).
	Intn(n int) int
}

type stdRNG struct{}

func (stdRNG) Intn(n int) int { return rand.IntN(n) }

// DefaultRNG delegates to math/rand/v2 (auto-seeded).
func DefaultRNG() RNG { return stdRNG{} }

// Engine selects spin outcomes.
type Engine struct {
	rng RNG
}

// NewEngine returns an engine drawing from rng. A nil rng uses DefaultRNG.
func NewEngine(rng RNG) *Engine {
	if rng == nil {
		rng = DefaultRNG()
	}
	return &Engine{rng: rng}
}

// Winnable returns the offers that are not "try again", in order.
func Winnable(offers []models.Offer) []models.Offer {
	var out []models.Offer
	for _, o := range offers {
		if o.Value != models.ValueTryAgain {
			out = append(out, o)
		}
	}
	return out
}

// Determine picks uniformly among the winnable offers. With none, it
// returns the restaurant's "try again" offer, or a synthetic one when the
// list has no such entry.
func (e *Engine) Determine(offers []models.Offer) models.Offer {
	if pool := Winnable(offers); len(pool) > 0 {
		return pool[e.rng.Intn(len(pool))]
	}
	for _, o := range offers {
		if o.Value == models.ValueTryAgain {
			return o
		}
	}
	return models.NoPrizes()
}
