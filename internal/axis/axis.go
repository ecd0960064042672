// Package axis implements the half-step sequence generator for one
// stepper-driven mechanical axis. A Driver owns its four
// coil pins exclusively; the invariant that at most one Driver per
// axis runs at any instant is enforced by the caller
// (internal/motion), not here.
package axis

import (
	"sync/atomic"
	"time"

	"microscope-core/internal/pinio"
)

// microstepDelay is the fixed pause between microsteps. At ~2ms this
// yields a ~125Hz step rate, below the motor's pull-in frequency
// limit.
const microstepDelay = 2 * time.Millisecond

// halfStepSequence is the four-phase two-coil-activation pattern that
// advances the motor by a half native step per transition. Index order
// is pins[0..3].
var halfStepSequence = [4][4]bool{
	{true, true, false, false},
	{false, true, true, false},
	{false, false, true, true},
	{true, false, false, true},
}

// Driver drives one axis's four coil pins through the half-step
// sequence. Not safe for concurrent Step calls on the same Driver; the
// Motion Engine serializes access per axis.
type Driver struct {
	controller    pinio.Controller
	pins          [4]pinio.Pin
	directionSign int // +1 or -1, calibration per unit

	phase     int // current index into halfStepSequence
	stepCount atomic.Int64
}

// New creates a Driver for one axis. directionSign must be +1 or -1.
func New(controller pinio.Controller, pins [4]pinio.Pin, directionSign int) *Driver {
	return &Driver{
		controller:    controller,
		pins:          pins,
		directionSign: directionSign,
	}
}

// StepCount returns the current signed step counter. Safe to call
// concurrently with Step (e.g. from the telemetry loop).
func (d *Driver) StepCount() int64 {
	return d.stepCount.Load()
}

// SetStepCount overwrites the step counter, used by the position
// reconciliation logic to snap the counter to the voltage-derived
// estimate when they disagree by more than the axis's threshold.
func (d *Driver) SetStepCount(v int64) {
	d.stepCount.Store(v)
}

// Step executes |deltaSteps| microsteps in the direction
// sign(deltaSteps) * directionSign. Between microsteps it samples
// stopFlag; if set, the remaining microsteps are skipped. On any exit
// (completion, stop, or a pin-write error) all four coils are
// deasserted and Step returns the number of microsteps actually
// taken.
//
// deltaSteps == 0 is a no-op that still deasserts coils. Very large
// deltas are not internally decomposed; the caller splits if needed.
func (d *Driver) Step(deltaSteps int, stopFlag *atomic.Bool) (int, error) {
	defer d.deassertCoils()

	if deltaSteps == 0 {
		return 0, nil
	}

	stepSign := 1
	advanceDir := d.directionSign
	if deltaSteps < 0 {
		stepSign = -1
		advanceDir = -d.directionSign
	}
	n := deltaSteps * stepSign // |deltaSteps|

	taken := 0
	for i := 0; i < n; i++ {
		if stopFlag != nil && stopFlag.Load() {
			break
		}

		if err := d.advance(advanceDir); err != nil {
			return taken, err
		}

		d.stepCount.Add(int64(stepSign))
		taken++

		time.Sleep(microstepDelay)
	}

	return taken, nil
}

// advance writes the next phase pattern in dir (+1 or -1) to the four
// coil pins.
func (d *Driver) advance(dir int) error {
	d.phase = mod4(d.phase + dir)
	pattern := halfStepSequence[d.phase]
	for i, level := range pattern {
		if err := d.controller.DigitalWrite(d.pins[i], level); err != nil {
			return err
		}
	}
	return nil
}

// deassertCoils drives all four coil lines low to avoid holding
// current and heat. Best-effort: it attempts
// all four pins even if an earlier one fails.
func (d *Driver) deassertCoils() {
	for _, p := range d.pins {
		_ = d.controller.DigitalWrite(p, false)
	}
}

func mod4(i int) int {
	i %= 4
	if i < 0 {
		i += 4
	}
	return i
}
