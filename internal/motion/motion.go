// Package motion implements the Motion Engine: it owns the three Axis
// Drivers, serializes moves per axis, and applies backlash
// overshoot-and-return on direction reversal.
//
// A fresh request for an axis already in use first stops the in-flight
// move, waits for the driver to quiesce, then starts the new one.
package motion

import (
	"sync"
	"sync/atomic"

	"microscope-core/internal/axis"
	"microscope-core/internal/coreerr"
)

// AxisState is the per-axis cooperative move state. A stop request
// from any goroutine is observed by the driver at its next microstep.
type AxisState struct {
	active   atomic.Bool
	focus    atomic.Bool
	stopFlag atomic.Bool
}

// Active reports whether a driver is currently stepping this axis.
func (s *AxisState) Active() bool { return s.active.Load() }

// FocusMode reports whether this axis is under autofocus control.
func (s *AxisState) FocusMode() bool { return s.focus.Load() }

// SetFocusMode is set by the Autofocus Controller for the duration of
// a focus session.
func (s *AxisState) SetFocusMode(v bool) { s.focus.Store(v) }

type axisRuntime struct {
	tag            Tag
	driver         *axis.Driver
	backlashMargin int
	backlashOn     bool
	state          AxisState
	runMu          sync.Mutex // serializes moves on this axis
}

// Tag identifies one of the three mechanical axes.
type Tag string

const (
	X Tag = "X"
	Y Tag = "Y"
	Z Tag = "Z"
)

// Engine owns the three axis drivers and services move requests. At
// most one in-flight move per axis; requests on different axes
// proceed in parallel.
type Engine struct {
	mu   sync.RWMutex
	axes map[Tag]*axisRuntime
}

// AxisConfig describes one axis at Engine construction time.
type AxisConfig struct {
	Driver              *axis.Driver
	BacklashMarginSteps int
	BacklashEnabled     bool
}

// New builds an Engine from a per-axis configuration map.
func New(cfg map[Tag]AxisConfig) *Engine {
	e := &Engine{axes: make(map[Tag]*axisRuntime, len(cfg))}
	for tag, c := range cfg {
		e.axes[tag] = &axisRuntime{
			tag:            tag,
			driver:         c.Driver,
			backlashMargin: c.BacklashMarginSteps,
			backlashOn:     c.BacklashEnabled,
		}
	}
	return e
}

func (e *Engine) runtime(tag Tag) (*axisRuntime, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.axes[tag]
	return r, ok
}

// Driver returns the underlying Axis Driver for tag, for use by the
// Position Estimator's reconciliation logic.
func (e *Engine) Driver(tag Tag) (*axis.Driver, bool) {
	r, ok := e.runtime(tag)
	if !ok {
		return nil, false
	}
	return r.driver, true
}

// Active reports whether tag currently has a move in flight.
func (e *Engine) Active(tag Tag) bool {
	r, ok := e.runtime(tag)
	return ok && r.state.Active()
}

// AnyActive reports whether any axis currently has a move in flight,
// used by the telemetry loop to choose 5Hz vs 1Hz cadence.
func (e *Engine) AnyActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.axes {
		if r.state.Active() {
			return true
		}
	}
	return false
}

// State returns the per-axis cooperative state, so callers outside
// this package (autofocus) can set FocusMode.
func (e *Engine) State(tag Tag) (*AxisState, bool) {
	r, ok := e.runtime(tag)
	if !ok {
		return nil, false
	}
	return &r.state, true
}

// MoveRelative blocks until the move completes or is stopped, applying
// backlash overshoot-and-return when delta is negative and backlash
// compensation is enabled for the axis. It returns the
// axis's step count after the move.
func (e *Engine) MoveRelative(tag Tag, delta int) (int64, error) {
	r, ok := e.runtime(tag)
	if !ok {
		return 0, coreerr.Tag(errUnknownAxis(tag), coreerr.KindConfiguration)
	}

	// A second request on the same axis first preempts any in-flight
	// move, then waits for the driver to quiesce before starting.
	r.state.stopFlag.Store(true)
	r.runMu.Lock()
	defer r.runMu.Unlock()
	r.state.stopFlag.Store(false)

	r.state.active.Store(true)
	defer r.state.active.Store(false)

	if r.backlashOn && delta < 0 {
		return e.moveWithBacklash(r, delta)
	}
	return e.moveDirect(r, delta)
}

func (e *Engine) moveDirect(r *axisRuntime, delta int) (int64, error) {
	_, err := r.driver.Step(delta, &r.state.stopFlag)
	if err != nil {
		return r.driver.StepCount(), err
	}
	if r.state.stopFlag.Load() {
		return r.driver.StepCount(), coreerr.ErrStopped
	}
	return r.driver.StepCount(), nil
}

// moveWithBacklash issues (delta - margin) in the negative direction,
// then +margin in the positive direction, so the gear teeth end
// engaged on the positive face. If the overshoot leg is
// preempted, the return leg is skipped and the move is reported stopped
// rather than silently continuing.
func (e *Engine) moveWithBacklash(r *axisRuntime, delta int) (int64, error) {
	overshoot := delta - r.backlashMargin

	_, err := r.driver.Step(overshoot, &r.state.stopFlag)
	if err != nil {
		return r.driver.StepCount(), err
	}
	if r.state.stopFlag.Load() {
		return r.driver.StepCount(), coreerr.ErrStopped
	}

	_, err = r.driver.Step(r.backlashMargin, &r.state.stopFlag)
	if err != nil {
		return r.driver.StepCount(), err
	}
	if r.state.stopFlag.Load() {
		return r.driver.StepCount(), coreerr.ErrStopped
	}

	return r.driver.StepCount(), nil
}

// MoveAbsolute computes delta = target - current and delegates to
// MoveRelative.
func (e *Engine) MoveAbsolute(tag Tag, target int64) (int64, error) {
	r, ok := e.runtime(tag)
	if !ok {
		return 0, coreerr.Tag(errUnknownAxis(tag), coreerr.KindConfiguration)
	}
	delta := target - r.driver.StepCount()
	return e.MoveRelative(tag, int(delta))
}

// Stop sets the stop flag observed by the axis driver mid-step.
func (e *Engine) Stop(tag Tag) {
	if r, ok := e.runtime(tag); ok {
		r.state.stopFlag.Store(true)
	}
}

// StopAll preempts every axis and clears focus mode on all of them,
// used by stop_move and by disconnect cleanup.
func (e *Engine) StopAll() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.axes {
		r.state.stopFlag.Store(true)
		r.state.SetFocusMode(false)
	}
}

func errUnknownAxis(tag Tag) error {
	return &unknownAxisError{tag: tag}
}

type unknownAxisError struct{ tag Tag }

func (e *unknownAxisError) Error() string {
	return "motion: unknown axis " + string(e.tag)
}
