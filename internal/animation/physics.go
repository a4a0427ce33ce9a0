// Package animation computes the visual motion of a spin. The functions in
// this file are pure: they map a tick count or elapsed fraction to a
// position and never touch a clock or a renderer.
package animation

import (
	"math"
	"time"
)

// Wheel physics, in radians per tick.
const (
	Friction           = 0.991
	MinVelocity        = 0.002
	MinInitialVelocity = 0.30
	MaxInitialVelocity = 0.55
)

// Reel geometry.
const (
	ItemHeight = 100.0 // px per reel item
	ReelSpeed  = 100.0 // px per tick
	ReelTick   = 40 * time.Millisecond
)

// Timeline. RevealAfter is fixed so the outcome can be scheduled without
// waiting on the animation.
const (
	RevealAfter  = 2800 * time.Millisecond
	StopDuration = 1500 * time.Millisecond
	// SpinPhase is how long free motion lasts before the landing begins.
	SpinPhase = RevealAfter - StopDuration
)

const tau = 2 * math.Pi

// InitialVelocity maps u in [0, 1) onto the wheel's launch velocity range.
func InitialVelocity(u float64) float64 {
	return MinInitialVelocity + u*(MaxInitialVelocity-MinInitialVelocity)
}

// WheelAngle is the distance travelled after n ticks. The wheel stops once
// its velocity drops below MinVelocity.
func WheelAngle(v0 float64, n int) float64 {
	if n <= 0 {
		return 0
	}
	if stop := WheelStopTick(v0); n > stop {
		n = stop
	}
	return v0 * (1 - math.Pow(Friction, float64(n))) / (1 - Friction)
}

// WheelStopTick returns the first tick at which the wheel's velocity is
// below MinVelocity.
func WheelStopTick(v0 float64) int {
	if v0 < MinVelocity {
		return 0
	}
	return int(math.Ceil(math.Log(MinVelocity/v0) / math.Log(Friction)))
}

// SectorAt returns the index of the sector under the pointer for a wheel of
// n equal sectors rotated by angle. The pointer sits at the top; sector 0
// starts at angle 0 and sectors run clockwise.
func SectorAt(angle float64, n int) int {
	if n <= 0 {
		return -1
	}
	arc := tau / float64(n)
	corrected := math.Mod(math.Mod(angle+math.Pi/2, tau)+tau, tau)
	idx := int(math.Floor((tau-corrected)/arc)) % n
	if idx < 0 {
		idx += n
	}
	return idx
}

// LandingAngle returns the smallest angle not below from that puts the
// centre of sector index under the pointer.
func LandingAngle(index, n int, from float64) float64 {
	if n <= 0 {
		return from
	}
	arc := tau / float64(n)
	base := tau - arc*(float64(index)+0.5) - math.Pi/2
	base = math.Mod(math.Mod(base, tau)+tau, tau)
	turns := math.Ceil((from - base) / tau)
	return base + turns*tau
}

// ReelOffset is the scroll position after tick ticks of constant motion over
// a list of listLen items, wrapped to one cycle.
func ReelOffset(tick, listLen int) float64 {
	if listLen <= 0 || tick <= 0 {
		return 0
	}
	cycle := ItemHeight * float64(listLen)
	return math.Mod(float64(tick)*ReelSpeed, cycle)
}

// ReelIndexAt returns the item showing at offset.
func ReelIndexAt(offset float64, listLen int) int {
	if listLen <= 0 {
		return -1
	}
	idx := int(math.Round(offset/ItemHeight)) % listLen
	if idx < 0 {
		idx += listLen
	}
	return idx
}

// ReelLanding returns the smallest offset not below from that shows item
// index.
func ReelLanding(index, listLen int, from float64) float64 {
	if listLen <= 0 {
		return from
	}
	cycle := ItemHeight * float64(listLen)
	base := ItemHeight * float64(index)
	loops := math.Ceil((from - base) / cycle)
	return base + loops*cycle
}

// CubicBezier returns the CSS-style timing function with control points
// (x1, y1) and (x2, y2). The curve's x is solved by Newton iteration with a
// bisection fallback.
func CubicBezier(x1, y1, x2, y2 float64) func(t float64) float64 {
	cx := 3 * x1
	bx := 3*(x2-x1) - cx
	ax := 1 - cx - bx
	cy := 3 * y1
	by := 3*(y2-y1) - cy
	ay := 1 - cy - by

	sampleX := func(s float64) float64 { return ((ax*s+bx)*s + cx) * s }
	sampleY := func(s float64) float64 { return ((ay*s+by)*s + cy) * s }
	slopeX := func(s float64) float64 { return (3*ax*s+2*bx)*s + cx }

	solve := func(x float64) float64 {
		s := x
		for i := 0; i < 8; i++ {
			err := sampleX(s) - x
			if math.Abs(err) < 1e-7 {
				return s
			}
			d := slopeX(s)
			if math.Abs(d) < 1e-6 {
				break
			}
			s -= err / d
		}
		lo, hi := 0.0, 1.0
		s = x
		for i := 0; i < 50 && hi-lo > 1e-7; i++ {
			if sampleX(s) < x {
				lo = s
			} else {
				hi = s
			}
			s = (lo + hi) / 2
		}
		return s
	}

	return func(t float64) float64 {
		switch {
		case t <= 0:
			return 0
		case t >= 1:
			return 1
		}
		return sampleY(solve(t))
	}
}

// StopEasing is the deceleration curve used when landing on a result.
var StopEasing = CubicBezier(0.23, 1, 0.32, 1)

// Ease interpolates from a to b at fraction t of the stop transition.
func Ease(a, b, t float64) float64 {
	return a + (b-a)*StopEasing(t)
}
