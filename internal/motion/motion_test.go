package motion

import (
	"testing"
	"time"

	"microscope-core/internal/axis"
	"microscope-core/internal/pinio"
)

func newTestEngine(backlashMargin int) (*Engine, *pinio.Sim) {
	sim := pinio.NewSim()
	driver := axis.New(sim, [4]pinio.Pin{0, 1, 2, 3}, 1)
	e := New(map[Tag]AxisConfig{
		X: {Driver: driver, BacklashMarginSteps: backlashMargin, BacklashEnabled: backlashMargin > 0},
	})
	return e, sim
}

func TestMoveRelativeAdvancesStepCount(t *testing.T) {
	e, _ := newTestEngine(0)

	steps, err := e.MoveRelative(X, 20)
	if err != nil {
		t.Fatalf("MoveRelative: %v", err)
	}
	if steps != 20 {
		t.Fatalf("steps = %d, want 20", steps)
	}
	if e.Active(X) {
		t.Fatal("Active should be false once MoveRelative returns")
	}
}

func TestMoveRelativeOnUnknownAxisFails(t *testing.T) {
	e, _ := newTestEngine(0)
	if _, err := e.MoveRelative(Tag("W"), 10); err == nil {
		t.Fatal("expected an error moving an axis the Engine was not configured with")
	}
}

func TestMoveAbsoluteComputesDelta(t *testing.T) {
	e, _ := newTestEngine(0)

	if _, err := e.MoveAbsolute(X, 500); err != nil {
		t.Fatalf("MoveAbsolute: %v", err)
	}
	driver, _ := e.Driver(X)
	if driver.StepCount() != 500 {
		t.Fatalf("StepCount = %d, want 500", driver.StepCount())
	}

	if _, err := e.MoveAbsolute(X, 200); err != nil {
		t.Fatalf("MoveAbsolute: %v", err)
	}
	if driver.StepCount() != 200 {
		t.Fatalf("StepCount = %d, want 200 after moving back", driver.StepCount())
	}
}

func TestMoveWithBacklashOvershootsThenReturns(t *testing.T) {
	e, _ := newTestEngine(35)
	driver, _ := e.Driver(X)

	// Sample the counter during the move to observe the overshoot
	// transient below the commanded target.
	lowWatermark := make(chan int64, 1)
	stopPoll := make(chan struct{})
	go func() {
		low := int64(0)
		for {
			select {
			case <-stopPoll:
				lowWatermark <- low
				return
			default:
				if c := driver.StepCount(); c < low {
					low = c
				}
				time.Sleep(200 * time.Microsecond)
			}
		}
	}()

	if _, err := e.MoveRelative(X, -200); err != nil {
		t.Fatalf("MoveRelative: %v", err)
	}
	close(stopPoll)

	if driver.StepCount() != -200 {
		t.Fatalf("StepCount = %d, want -200 after backlash-compensated move", driver.StepCount())
	}
	if low := <-lowWatermark; low != -235 {
		t.Fatalf("low watermark = %d, want -235 (commanded target minus the backlash margin)", low)
	}
}

func TestStopAllPreventsInFlightMoveFromCompletingFurther(t *testing.T) {
	e, _ := newTestEngine(0)

	go e.MoveRelative(X, 100000)
	time.Sleep(15 * time.Millisecond)
	if !e.Active(X) {
		t.Skip("move completed before StopAll could race it")
	}

	e.StopAll()
	time.Sleep(50 * time.Millisecond)

	if e.Active(X) {
		t.Fatal("expected the axis to quiesce shortly after StopAll")
	}
}

func TestSecondMoveOnSameAxisPreemptsFirst(t *testing.T) {
	e, _ := newTestEngine(0)

	go e.MoveRelative(X, 100000)
	time.Sleep(15 * time.Millisecond)
	if !e.Active(X) {
		t.Skip("first move completed before the second request could preempt it")
	}

	_, err := e.MoveRelative(X, 5)
	if err != nil {
		t.Fatalf("second MoveRelative: %v", err)
	}
	if e.Active(X) {
		t.Fatal("expected the axis to be idle once the second move completes")
	}
}

func TestFocusModeRoundTrip(t *testing.T) {
	e, _ := newTestEngine(0)

	state, ok := e.State(X)
	if !ok {
		t.Fatal("expected a state for a configured axis")
	}
	if state.FocusMode() {
		t.Fatal("FocusMode should start false")
	}
	state.SetFocusMode(true)
	if !state.FocusMode() {
		t.Fatal("FocusMode should be true after SetFocusMode(true)")
	}
	e.StopAll()
	if state.FocusMode() {
		t.Fatal("StopAll should clear FocusMode")
	}
}
