package axis

import (
	"sync/atomic"
	"testing"

	"microscope-core/internal/pinio"
)

func TestStepAdvancesCounterInDirection(t *testing.T) {
	sim := pinio.NewSim()
	d := New(sim, [4]pinio.Pin{0, 1, 2, 3}, 1)

	taken, err := d.Step(10, nil)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if taken != 10 {
		t.Fatalf("taken = %d, want 10", taken)
	}
	if got := d.StepCount(); got != 10 {
		t.Fatalf("StepCount = %d, want 10", got)
	}

	if _, err := d.Step(-4, nil); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := d.StepCount(); got != 6 {
		t.Fatalf("StepCount after reverse = %d, want 6", got)
	}
}

func TestStepHonorsNegativeDirectionSign(t *testing.T) {
	sim := pinio.NewSim()
	d := New(sim, [4]pinio.Pin{0, 1, 2, 3}, -1)

	if _, err := d.Step(5, nil); err != nil {
		t.Fatalf("Step: %v", err)
	}
	// The step counter tracks commanded deltaSteps regardless of
	// directionSign; only the physical coil phase direction flips.
	if got := d.StepCount(); got != 5 {
		t.Fatalf("StepCount = %d, want 5", got)
	}
}

func TestStepStopsEarlyOnFlag(t *testing.T) {
	sim := pinio.NewSim()
	d := New(sim, [4]pinio.Pin{0, 1, 2, 3}, 1)

	var stop atomic.Bool
	stop.Store(true)

	taken, err := d.Step(50, &stop)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if taken != 0 {
		t.Fatalf("taken = %d, want 0 when stopFlag is already set", taken)
	}
}

func TestStepZeroIsNoOpButDeassertsCoils(t *testing.T) {
	sim := pinio.NewSim()
	d := New(sim, [4]pinio.Pin{0, 1, 2, 3}, 1)

	if _, err := d.Step(10, nil); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if _, err := d.Step(0, nil); err != nil {
		t.Fatalf("Step(0): %v", err)
	}
	for _, p := range []pinio.Pin{0, 1, 2, 3} {
		if sim.PinLevel(p) {
			t.Fatalf("pin %d should be deasserted after Step(0), got high", p)
		}
	}
}

func TestSetStepCountOverwritesCounter(t *testing.T) {
	sim := pinio.NewSim()
	d := New(sim, [4]pinio.Pin{0, 1, 2, 3}, 1)
	d.SetStepCount(1234)
	if got := d.StepCount(); got != 1234 {
		t.Fatalf("StepCount = %d, want 1234", got)
	}
}
