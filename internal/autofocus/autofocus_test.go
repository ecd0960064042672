package autofocus

import (
	"context"
	"math"
	"testing"
	"time"

	"microscope-core/internal/axis"
	"microscope-core/internal/motion"
	"microscope-core/internal/pinio"
	"microscope-core/internal/slotchan"
)

// unimodalSharpness is a synthetic focus curve peaking at z = 5000:
// S(z) = 1000 - (z-5000)^2/1000.
func unimodalSharpness(z int64) float64 {
	d := float64(z - 5000)
	s := 1000 - d*d/1000
	if s < 0 {
		return 0
	}
	return s
}

func newTestController(t *testing.T) (*Controller, *motion.Engine, func()) {
	t.Helper()
	sim := pinio.NewSim()
	driver := axis.New(sim, [4]pinio.Pin{0, 1, 2, 3}, 1)
	engine := motion.New(map[motion.Tag]motion.AxisConfig{
		motion.Z: {Driver: driver, BacklashMarginSteps: 0, BacklashEnabled: false},
	})

	sharpnessCh := slotchan.New[float64]()
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sharpnessCh.TryPut(unimodalSharpness(driver.StepCount()))
			}
		}
	}()

	c := New(engine, sharpnessCh, nil)
	return c, engine, func() { close(stop) }
}

func TestAutofocusConvergesOnUnimodalPeak(t *testing.T) {
	if testing.Short() {
		t.Skip("full probe, sweep and refinement excluded from short runs")
	}

	c, engine, cleanup := newTestController(t)
	defer cleanup()

	if _, err := engine.MoveAbsolute(motion.Z, 2000); err != nil {
		t.Fatalf("seed move: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// 1600 steps/mm puts the 2mm sweep window at 3200 steps, carrying
	// the sweep from 2200 well past the peak at 5000 so the provisional
	// peak can be held with the margin behind the sweep head.
	result, err := c.Run(ctx, 1600.0, func(steps int64) float64 { return float64(steps) / 1600.0 })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if math.Abs(float64(result.FinalSteps-5000)) > 1 {
		t.Fatalf("final steps = %d, want within 1 of 5000", result.FinalSteps)
	}
}

func TestAutofocusFlatCurveFallsBack(t *testing.T) {
	if testing.Short() {
		t.Skip("full sweep traversal excluded from short runs")
	}

	sim := pinio.NewSim()
	driver := axis.New(sim, [4]pinio.Pin{0, 1, 2, 3}, 1)
	engine := motion.New(map[motion.Tag]motion.AxisConfig{
		motion.Z: {Driver: driver},
	})

	// A constant sharpness source: no contrast anywhere, so the sweep
	// must exhaust its window and report the fallback local optimum.
	sharpnessCh := slotchan.New[float64]()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				sharpnessCh.TryPut(500.0)
			}
		}
	}()

	c := New(engine, sharpnessCh, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	result, err := c.Run(ctx, 250.0, func(steps int64) float64 { return float64(steps) / 250.0 })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Fallback {
		t.Fatal("expected a flat sharpness curve to end in the sweep fallback")
	}
}

func TestAutofocusPhaseIdleWhenNotRunning(t *testing.T) {
	c, _, cleanup := newTestController(t)
	defer cleanup()

	if c.Phase() != PhaseIdle {
		t.Fatalf("Phase() = %v, want PhaseIdle before Run", c.Phase())
	}
}
