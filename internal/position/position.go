// Package position implements the Hall-effect voltage position
// estimator and its reconciliation against the step counter.
// The closed-form map is a single arctangent; no suitable
// calibration-fitting library covers this, so it is plain math.Atan
// rather than an imported dependency.
package position

import (
	"math"

	"microscope-core/internal/axis"
	"microscope-core/internal/config"
)

// Reconciliation thresholds.
const (
	ThresholdXYMM = 0.05
	ThresholdZMM  = 0.02
)

// Estimator maps one axis's Hall voltage to millimetres via its
// calibrated arctangent and converts between steps and millimetres.
type Estimator struct {
	coeff      config.AxisCoefficients
	stepsPerMM float64
}

// New builds an Estimator from a calibration tuple and the axis's
// steps-per-millimetre constant.
func New(coeff config.AxisCoefficients, stepsPerMM float64) *Estimator {
	return &Estimator{coeff: coeff, stepsPerMM: stepsPerMM}
}

// MM converts a Hall voltage to millimetres: A*atan(B*(v-C))+D.
// Monotone in v across the operating range provided B > 0, which the
// calibration fit guarantees.
func (e *Estimator) MM(volts float64) float64 {
	return e.coeff.A*math.Atan(e.coeff.B*(volts-e.coeff.C)) + e.coeff.D
}

// StepsFromMM converts a millimetre position to the nearest step count.
func (e *Estimator) StepsFromMM(mm float64) int64 {
	return int64(math.Round(mm * e.stepsPerMM))
}

// MMFromSteps converts a step count to millimetres.
func (e *Estimator) MMFromSteps(steps int64) float64 {
	return float64(steps) / e.stepsPerMM
}

// Reconcile compares the step-derived position against the
// voltage-derived position for an axis currently in motion and, if
// they disagree by more than threshold, snaps the driver's step
// counter to the voltage-derived estimate. Returns true if
// a snap occurred. Axes not currently moving must not be passed here:
// the caller (the telemetry loop) only reconciles the axis named by
// current_direction, so the noisier voltage signal never drifts the
// commanded position while the mechanism is idle.
func (e *Estimator) Reconcile(d *axis.Driver, volts float64, threshold float64) bool {
	stepMM := e.MMFromSteps(d.StepCount())
	voltMM := e.MM(volts)
	if math.Abs(stepMM-voltMM) <= threshold {
		return false
	}
	d.SetStepCount(e.StepsFromMM(voltMM))
	return true
}
