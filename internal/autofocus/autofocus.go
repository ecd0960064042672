// Package autofocus implements the three-phase autofocus controller:
// a directional probe, a full-range sweep that watches for a
// provisional peak, and a golden-section refinement over Z.
//
// Grounded on an adaptive state-machine controller's shape: an atomic
// phase field driving a state machine. Cancellation goes through the
// motion engine's per-axis stop flag and the Z axis's focus-mode flag;
// session data lives in local variables of Run and its phases.
// Mean/variance over the sweep's sharpness samples use
// gonum.org/v1/gonum/stat.
package autofocus

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"microscope-core/internal/coreerr"
	"microscope-core/internal/motion"
	"microscope-core/internal/slotchan"
)

// Phase is the autofocus session's current stage.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseProbe
	PhaseSweep
	PhaseRefine
)

// Tuning constants.
const (
	ProbeSteps                 = 200
	SweepWindowMM              = 2.0
	SweepStepIncrement         = 25
	ProvisionalPeakFactor      = 1.2
	ProvisionalPeakMarginSteps = 100
	// MinSweepRelStdDev is the minimum relative standard deviation the
	// sweep's sharpness samples must show before a provisional peak is
	// trusted; below it the curve is too flat to refine.
	MinSweepRelStdDev     = 0.05
	RefinementWindowSteps = 300
	GoldenRatio           = 0.618
	MaxRefineIterations   = 20
	ConvergenceSteps      = 1

	sharpnessReadTimeout = 2 * time.Second
)

// Result is what Run returns on a normal or fallback completion.
type Result struct {
	FinalSteps int64
	FinalMM    float64
	Fallback   bool // true if phase 2 never found a provisional peak
}

// Controller runs one autofocus session at a time over the Z axis.
type Controller struct {
	engine      *motion.Engine
	sharpnessCh *slotchan.Chan[float64]
	log         *zap.SugaredLogger

	phase atomic.Int32
}

// New builds a Controller bound to the Motion Engine's Z axis and the
// Z sensor's sharpness channel.
func New(engine *motion.Engine, sharpnessCh *slotchan.Chan[float64], log *zap.SugaredLogger) *Controller {
	return &Controller{engine: engine, sharpnessCh: sharpnessCh, log: log}
}

// Phase reports the current session phase (PhaseIdle when none is
// running).
func (c *Controller) Phase() Phase { return Phase(c.phase.Load()) }

// Run drives the full three-phase search and returns the final Z
// position. stepsPerMM converts the sweep window into a step count.
// mmFromSteps converts the refinement's final step count into
// millimetres for the reported result.
func (c *Controller) Run(ctx context.Context, stepsPerMM float64, mmFromSteps func(int64) float64) (Result, error) {
	state, ok := c.engine.State(motion.Z)
	if !ok {
		return Result{}, coreerr.Tag(fmt.Errorf("autofocus: no Z axis configured"), coreerr.KindConfiguration)
	}
	driver, _ := c.engine.Driver(motion.Z)

	state.SetFocusMode(true)
	defer func() {
		state.SetFocusMode(false)
		c.phase.Store(int32(PhaseIdle))
	}()

	c.phase.Store(int32(PhaseProbe))
	direction, err := c.probe(ctx)
	if err != nil {
		return Result{}, err
	}
	if !state.FocusMode() {
		return Result{}, coreerr.ErrStopped
	}

	c.phase.Store(int32(PhaseSweep))
	peakStep, provisional, err := c.sweep(ctx, direction, stepsPerMM, driver.StepCount())
	if err != nil {
		return Result{}, err
	}
	if !state.FocusMode() {
		return Result{}, coreerr.ErrStopped
	}
	if !provisional {
		// Fallback: report the last peak_step without
		// refining further; the operator may invoke again.
		return Result{FinalSteps: peakStep, FinalMM: mmFromSteps(peakStep), Fallback: true}, nil
	}

	c.phase.Store(int32(PhaseRefine))
	final, err := c.refine(ctx, peakStep)
	if err != nil {
		return Result{}, err
	}
	if !state.FocusMode() {
		return Result{}, coreerr.ErrStopped
	}

	return Result{FinalSteps: final, FinalMM: mmFromSteps(final)}, nil
}

// Abort preempts any in-flight session via the motion engine's stop
// path; Run observes the cleared focus flag at its next checkpoint.
func (c *Controller) Abort() {
	if state, ok := c.engine.State(motion.Z); ok {
		state.SetFocusMode(false)
	}
	c.engine.Stop(motion.Z)
}

func (c *Controller) zStepCount() int64 {
	driver, ok := c.engine.Driver(motion.Z)
	if !ok {
		return 0
	}
	return driver.StepCount()
}

// readSharpness blocks for a fresh sharpness sample, bounded so a
// stalled pipeline cannot hang the session forever. Any sample already
// sitting in the slot is discarded first: it may predate the move this
// reading is meant to evaluate.
func (c *Controller) readSharpness(ctx context.Context) (float64, error) {
	c.sharpnessCh.TryGet()
	sctx, cancel := context.WithTimeout(ctx, sharpnessReadTimeout)
	defer cancel()
	v, err := c.sharpnessCh.Get(sctx)
	if err != nil {
		return 0, coreerr.Tag(fmt.Errorf("autofocus: sharpness read: %w", err), coreerr.KindTransient)
	}
	return v, nil
}

// moveAndSample issues a relative Z move of deltaSteps and returns the
// sharpness sampled afterward.
func (c *Controller) moveAndSample(ctx context.Context, deltaSteps int) (float64, error) {
	if _, err := c.engine.MoveRelative(motion.Z, deltaSteps); err != nil {
		return 0, err
	}
	return c.readSharpness(ctx)
}

// moveTo moves Z to an absolute step target.
func (c *Controller) moveTo(ctx context.Context, target int64) error {
	_, err := c.engine.MoveAbsolute(motion.Z, target)
	return err
}

// probe implements phase 1: move a fixed probe distance, compare
// sharpness before and after to pick a search direction.
func (c *Controller) probe(ctx context.Context) (int, error) {
	before, err := c.readSharpness(ctx)
	if err != nil {
		return 0, err
	}
	after, err := c.moveAndSample(ctx, ProbeSteps)
	if err != nil {
		return 0, err
	}
	if after >= before {
		return 1, nil
	}
	return -1, nil
}

// sweep implements phase 2: traverse a 2mm window in direction,
// sampling sharpness along the way and tracking a running peak, until
// a provisional peak is held or the window is exhausted.
func (c *Controller) sweep(ctx context.Context, direction int, stepsPerMM float64, startStepCount int64) (peakStep int64, provisional bool, err error) {
	totalSteps := int(math.Round(SweepWindowMM * stepsPerMM))

	var sharpnessSamples []float64
	maxSharpness := math.Inf(-1)
	peakStepCount := startStepCount

	moved := 0
	for moved < totalSteps {
		inc := SweepStepIncrement
		if totalSteps-moved < inc {
			inc = totalSteps - moved
		}

		s, err := c.moveAndSample(ctx, direction*inc)
		if err != nil {
			return 0, false, err
		}
		moved += inc
		cur := c.zStepCount()
		sharpnessSamples = append(sharpnessSamples, s)

		if s > maxSharpness {
			maxSharpness = s
			peakStepCount = cur
		}

		if len(sharpnessSamples) >= 3 {
			mean, variance := stat.MeanVariance(sharpnessSamples, nil)
			peakOffset := direction * int(peakStepCount-startStepCount)
			// The peak must sit strictly inside the interval swept so
			// far: the head of the sweep has to travel at least the
			// margin past it, proving sharpness fell again on the far
			// side rather than still rising at the frontier.
			insideMargin := peakOffset >= ProvisionalPeakMarginSteps && moved-peakOffset >= ProvisionalPeakMarginSteps

			// A near-flat sample set (unstable lighting, empty field)
			// cannot hold a provisional peak no matter what the ratio
			// test says; the sweep then runs out and the caller falls
			// back to the local optimum.
			enoughContrast := mean > 0 && math.Sqrt(variance) > MinSweepRelStdDev*mean

			if enoughContrast && maxSharpness > ProvisionalPeakFactor*mean && insideMargin {
				return peakStepCount, true, nil
			}
		}
	}

	return peakStepCount, false, nil
}

// refine implements phase 3: golden-section search over
// [peakStep-RefinementWindowSteps, peakStep+RefinementWindowSteps].
// The bracket is kept in fractional steps so the two probes do not
// collapse onto the same step; each probe is rounded when moved to.
func (c *Controller) refine(ctx context.Context, peakStep int64) (int64, error) {
	zMin := float64(peakStep - RefinementWindowSteps)
	zMax := float64(peakStep + RefinementWindowSteps)

	for i := 0; i < MaxRefineIterations; i++ {
		if zMax-zMin < ConvergenceSteps {
			break
		}

		span := zMax - zMin
		z1 := zMax - GoldenRatio*span
		z2 := zMin + GoldenRatio*span

		if err := c.moveTo(ctx, int64(math.Round(z2))); err != nil {
			return 0, err
		}
		s2, err := c.readSharpness(ctx)
		if err != nil {
			return 0, err
		}

		if err := c.moveTo(ctx, int64(math.Round(z1))); err != nil {
			return 0, err
		}
		s1, err := c.readSharpness(ctx)
		if err != nil {
			return 0, err
		}

		if s1 > s2 {
			zMax = z2
		} else {
			zMin = z1
		}
	}

	final := int64(math.Round((zMin + zMax) / 2))
	if err := c.moveTo(ctx, final); err != nil {
		return 0, err
	}
	return final, nil
}
