package position

import (
	"math"
	"testing"

	"microscope-core/internal/axis"
	"microscope-core/internal/config"
	"microscope-core/internal/pinio"
)

func TestMMFromStepsRoundTrip(t *testing.T) {
	e := New(config.AxisCoefficients{A: 1, B: 1, C: 0, D: 0}, 1000)

	mm := e.MMFromSteps(2000)
	if mm != 2.0 {
		t.Fatalf("MMFromSteps(2000) = %v, want 2.0", mm)
	}

	steps := e.StepsFromMM(2.0)
	if steps != 2000 {
		t.Fatalf("StepsFromMM(2.0) = %d, want 2000", steps)
	}
}

func TestMMIsMonotoneInVolts(t *testing.T) {
	e := New(config.AxisCoefficients{A: 5, B: 2, C: 1.5, D: 0.3}, 1000)

	prev := math.Inf(-1)
	for v := 0.0; v <= 3.0; v += 0.1 {
		mm := e.MM(v)
		if mm <= prev {
			t.Fatalf("MM(%v) = %v not increasing from previous %v", v, mm, prev)
		}
		prev = mm
	}
}

func TestReconcileSnapsBeyondThreshold(t *testing.T) {
	sim := pinio.NewSim()
	d := axis.New(sim, [4]pinio.Pin{0, 1, 2, 3}, 1)
	d.SetStepCount(0)

	e := New(config.AxisCoefficients{A: 1, B: 1, C: 0, D: 0}, 1000)

	// A large voltage implies a far-off millimetre reading (atan saturates
	// near pi/2), well past the XY reconciliation threshold from a step
	// count of zero.
	snapped := e.Reconcile(d, 100.0, ThresholdXYMM)
	if !snapped {
		t.Fatal("expected Reconcile to snap when voltage and step positions disagree")
	}
	if d.StepCount() == 0 {
		t.Fatal("expected step counter to move off zero after a snap")
	}
}

func TestReconcileLeavesAgreeingPositionAlone(t *testing.T) {
	sim := pinio.NewSim()
	d := axis.New(sim, [4]pinio.Pin{0, 1, 2, 3}, 1)
	d.SetStepCount(0)

	e := New(config.AxisCoefficients{A: 1, B: 1, C: 0, D: 0}, 1000)

	// atan(0) == 0, matching the step-derived position exactly.
	if e.Reconcile(d, 0.0, ThresholdXYMM) {
		t.Fatal("Reconcile should not snap when the two estimates already agree")
	}
	if d.StepCount() != 0 {
		t.Fatalf("StepCount = %d, want unchanged 0", d.StepCount())
	}
}
