package animation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jredh-dev/spinwheel/internal/outcome"
	"github.com/jredh-dev/spinwheel/pkg/models"
)

// ErrNoOffers is returned by Start when there is nothing to spin for.
var ErrNoOffers = errors.New("no winnable offers")

// Presentation selects how a spin is drawn.
type Presentation int

const (
	Reel Presentation = iota
	Wheel
)

func (p Presentation) String() string {
	if p == Wheel {
		return "wheel"
	}
	return "reel"
}

// ParsePresentation accepts "reel" or "wheel".
func ParsePresentation(s string) (Presentation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reel", "slot":
		return Reel, nil
	case "wheel":
		return Wheel, nil
	}
	return Reel, fmt.Errorf("unknown presentation %q", s)
}

// Phase is where a driver is in its lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSpinning
	PhaseStopping
	PhaseLanded
	PhaseStatic
)

// Frame is one rendered step. Angle is used by the wheel and Offset by the
// reel; Index is the item currently under the pointer.
type Frame struct {
	Phase  Phase
	Tick   int
	Angle  float64
	Offset float64
	Index  int
}

type stopRequest struct {
	result models.Offer
	onDone func(models.Offer)
}

// Driver produces frames for one spin.
type Driver struct {
	pres     Presentation
	items    []models.Offer
	clock    clockwork.Clock
	rng      outcome.RNG
	interval time.Duration
	stopDur  time.Duration

	frames chan Frame
	stopCh chan stopRequest

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithClock sets the clock that paces frames.
func WithClock(c clockwork.Clock) DriverOption {
	return func(d *Driver) { d.clock = c }
}

// WithRNG sets the source of the wheel's launch velocity.
func WithRNG(r outcome.RNG) DriverOption {
	return func(d *Driver) { d.rng = r }
}

// WithFrameInterval sets the time between frames.
func WithFrameInterval(iv time.Duration) DriverOption {
	return func(d *Driver) {
		if iv > 0 {
			d.interval = iv
		}
	}
}

// WithStopDuration overrides StopDuration.
func WithStopDuration(dur time.Duration) DriverOption {
	return func(d *Driver) {
		if dur > 0 {
			d.stopDur = dur
		}
	}
}

// NewDriver prepares a driver for offers. The wheel shows every offer as a
// sector; the reel scrolls through the winnable ones.
func NewDriver(p Presentation, offers []models.Offer, opts ...DriverOption) *Driver {
	d := &Driver{
		pres:     p,
		clock:    clockwork.NewRealClock(),
		rng:      outcome.DefaultRNG(),
		interval: ReelTick,
		stopDur:  StopDuration,
		frames:   make(chan Frame, 1),
		stopCh:   make(chan stopRequest, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if p == Wheel && len(outcome.Winnable(offers)) > 0 {
		d.items = append(d.items, offers...)
	} else {
		d.items = outcome.Winnable(offers)
	}
	return d
}

// Items returns the offers the driver animates over, in display order.
func (d *Driver) Items() []models.Offer { return d.items }

// Presentation returns the driver's presentation.
func (d *Driver) Presentation() Presentation { return d.pres }

// Frames delivers frames. Slow readers miss intermediate frames. The
// channel is closed when the driver finishes.
func (d *Driver) Frames() <-chan Frame { return d.frames }

// Start begins motion. With nothing winnable it emits a single static frame
// and returns ErrNoOffers; with a single item it shows that item without
// spinning.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	d.started = true

	switch len(d.items) {
	case 0:
		d.finishStatic(Frame{Phase: PhaseStatic, Index: -1})
		return ErrNoOffers
	case 1:
		d.finishStatic(Frame{Phase: PhaseStatic, Angle: LandingAngle(0, 1, 0), Index: 0})
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	v0 := InitialVelocity(float64(d.rng.Intn(1_000_000)) / 1_000_000)
	go d.run(ctx, v0)
	return nil
}

func (d *Driver) finishStatic(f Frame) {
	d.frames <- f
	close(d.frames)
}

// Stop lands on result over the stop duration and then calls onDone with
// it, exactly once. Calling Stop on a static or unstarted driver calls
// onDone immediately. Only the first Stop counts.
func (d *Driver) Stop(result models.Offer, onDone func(models.Offer)) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	running := d.cancel != nil
	d.mu.Unlock()

	if !running {
		if onDone != nil {
			onDone(result)
		}
		return
	}
	d.stopCh <- stopRequest{result: result, onDone: onDone}
}

// Cancel stops frame production at once. A pending onDone is not called.
func (d *Driver) Cancel() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Driver) indexOf(o models.Offer) int {
	for i, it := range d.items {
		if it.Value == o.Value && it.Label == o.Label {
			return i
		}
	}
	for i, it := range d.items {
		if it.Value == o.Value {
			return i
		}
	}
	return 0
}

func (d *Driver) run(ctx context.Context, v0 float64) {
	defer close(d.frames)

	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	n := len(d.items)
	stopTicks := int(d.stopDur / d.interval)
	if stopTicks < 1 {
		stopTicks = 1
	}

	var (
		tick      int
		pos       float64 // angle or offset
		stopping  bool
		from, to  float64
		stopStart int
		req       stopRequest
	)

	free := func(t int) float64 {
		if d.pres == Wheel {
			return WheelAngle(v0, t)
		}
		return ReelOffset(t, n)
	}
	frame := func(phase Phase) Frame {
		f := Frame{Phase: phase, Tick: tick}
		if d.pres == Wheel {
			f.Angle = pos
			f.Index = SectorAt(pos, n)
		} else {
			f.Offset = pos
			f.Index = ReelIndexAt(pos, n)
		}
		return f
	}
	emit := func(f Frame) {
		select {
		case d.frames <- f:
		default:
			// Drop the stale frame in favour of the newest one.
			select {
			case <-d.frames:
			default:
			}
			select {
			case d.frames <- f:
			default:
			}
		}
	}

	emit(frame(PhaseSpinning))
	for {
		select {
		case <-ctx.Done():
			return

		case r := <-d.stopCh:
			req = r
			stopping = true
			stopStart = tick
			from = pos
			idx := d.indexOf(r.result)
			if d.pres == Wheel {
				to = LandingAngle(idx, n, from+tau)
			} else {
				to = ReelLanding(idx, n, from+ItemHeight*float64(n))
			}

		case <-ticker.Chan():
			tick++
			if !stopping {
				pos = free(tick)
				emit(frame(PhaseSpinning))
				continue
			}
			frac := float64(tick-stopStart) / float64(stopTicks)
			if frac < 1 {
				pos = Ease(from, to, frac)
				emit(frame(PhaseStopping))
				continue
			}
			pos = to
			if d.pres == Reel {
				pos = mod(to, ItemHeight*float64(n))
			}
			emit(frame(PhaseLanded))
			if ctx.Err() == nil && req.onDone != nil {
				req.onDone(req.result)
			}
			return
		}
	}
}

func mod(a, m float64) float64 {
	r := a - m*float64(int(a/m))
	if r < 0 {
		r += m
	}
	return r
}
