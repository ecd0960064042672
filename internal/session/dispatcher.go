// Package session implements the session dispatcher: a single
// bidirectional transport carrying typed JSON commands and events.
// Command handling classifies each inbound command as instant, motion,
// or long-running; a background telemetry worker emits motor_positions
// at 5Hz while any axis is moving, 1Hz otherwise, running the position
// reconciliation inline.
//
// Transport is github.com/gorilla/websocket, with the typed
// command/event envelopes and non-blocking broadcaster idiom common to
// websocket-fronted device-control servers. The telemetry loop's
// tolerant periodic-poll shape (swallow a transient read error, keep
// going at the next tick) mirrors the same idiom used for adaptive
// performance polling elsewhere in this codebase.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"microscope-core/internal/autofocus"
	"microscope-core/internal/config"
	"microscope-core/internal/motion"
	"microscope-core/internal/position"
	"microscope-core/internal/recorder"
	"microscope-core/internal/video"
)

// Telemetry cadences.
const (
	TelemetryActiveInterval = 200 * time.Millisecond // 5Hz
	TelemetryIdleInterval   = time.Second            // 1Hz
)

// AxisTelemetry binds one mechanical axis to the estimator and volt
// reader the telemetry loop needs for that axis.
type AxisTelemetry struct {
	Estimator          *position.Estimator
	ReadVolts          func() (float64, error)
	ReconcileThreshold float64
}

// LEDDriver abstracts the two LED PWM channels.
type LEDDriver interface {
	SetLEDDuty(index int, percent float64) error
}

// Sensors bundles both video pipelines; "secondary" is optional (nil
// disables secondary-sensor commands).
type Sensors struct {
	Main      *video.Pipeline
	Secondary *video.Pipeline
}

// Dependencies is everything a Dispatcher needs, assembled by the
// caller (main.go) once at start-up.
type Dependencies struct {
	Engine        *motion.Engine
	AxisTelemetry map[motion.Tag]AxisTelemetry
	Sensors       Sensors
	Recorders     *recorder.Set
	MainRecorder  *recorder.Recorder
	MotionRec     *recorder.MotionRecorder
	Focus         *autofocus.Controller
	LEDs          LEDDriver
	Settings      *config.Settings
	SettingsPath  string
	Log           *zap.SugaredLogger
}

// Dispatcher owns one connected session's command loop and telemetry
// worker. It holds no per-connection mutable state beyond a
// connected/disconnected flag.
type Dispatcher struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	deps Dependencies
	log  *zap.SugaredLogger

	connected atomic.Bool
}

// New wraps an already-upgraded websocket connection.
func New(conn *websocket.Conn, deps Dependencies) *Dispatcher {
	return &Dispatcher{conn: conn, deps: deps, log: deps.Log}
}

// Run services the connection until it closes or ctx is cancelled,
// launching the telemetry worker alongside the command-read loop.
// Disconnect cleanup always runs before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.connected.Store(true)
	d.ensurePreview()
	d.wireVideoFrames()
	defer d.cleanup()

	telemetryCtx, cancelTelemetry := context.WithCancel(ctx)
	defer cancelTelemetry()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.telemetryLoop(telemetryCtx)
	}()
	defer func() {
		cancelTelemetry()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := d.conn.ReadMessage()
		if err != nil {
			return err
		}

		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "error", Message: "malformed command"}})
			continue
		}

		if cmd.Type == "close" {
			d.sendEvent(Event{Type: "closed"})
			return nil
		}

		d.dispatch(ctx, cmd)
	}
}

// sendEvent marshals and writes evt, serializing writers since
// gorilla/websocket connections are not safe for concurrent writes.
func (d *Dispatcher) sendEvent(evt Event) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.conn.WriteJSON(evt)
}

// ensurePreview restarts any sensor a previous session's disconnect
// cleanup left stopped, so a reconnecting operator gets video again
// without an explicit command.
func (d *Dispatcher) ensurePreview() {
	if d.deps.Settings == nil {
		return
	}
	cfg := video.StartConfig{
		Width: previewWidth, Height: previewHeight, FramerateFPS: previewFPS,
		ExposureUS:   int(d.deps.Settings.ExposureMS * 1000),
		AnalogueGain: d.deps.Settings.GainValue,
	}
	for _, p := range []*video.Pipeline{d.deps.Sensors.Main, d.deps.Sensors.Secondary} {
		if p == nil || p.State() != video.StateStopped {
			continue
		}
		if err := p.StartPreview(cfg); err != nil && d.log != nil {
			d.log.Errorw("session: preview restart failed", "error", err)
		}
	}
}

// wireVideoFrames binds each sensor's every-second-preview-frame hook
// to an outbound video_frame event for the lifetime of this session.
// Since only one session is ever connected at a time, binding here
// rather than at pipeline construction keeps internal/video ignorant
// of the transport.
func (d *Dispatcher) wireVideoFrames() {
	if d.deps.Sensors.Main != nil {
		d.deps.Sensors.Main.SetOnPreviewFrame(func(jpeg []byte) {
			d.sendEvent(Event{Type: "video_frame", Payload: VideoFramePayload{
				Sensor: "main", JPEGBase64: base64.StdEncoding.EncodeToString(jpeg),
			}})
		})
	}
	if d.deps.Sensors.Secondary != nil {
		d.deps.Sensors.Secondary.SetOnPreviewFrame(func(jpeg []byte) {
			d.sendEvent(Event{Type: "video_frame", Payload: VideoFramePayload{
				Sensor: "secondary", JPEGBase64: base64.StdEncoding.EncodeToString(jpeg),
			}})
		})
	}
}

// cleanup runs the disconnect sequence: clear all active flags
// (preempting any running move), stop both recorders, shut down
// sensors, zero both LED duties.
func (d *Dispatcher) cleanup() {
	d.connected.Store(false)

	if d.deps.Sensors.Main != nil {
		d.deps.Sensors.Main.SetOnPreviewFrame(nil)
	}
	if d.deps.Sensors.Secondary != nil {
		d.deps.Sensors.Secondary.SetOnPreviewFrame(nil)
	}

	if d.deps.Engine != nil {
		d.deps.Engine.StopAll()
	}
	if d.deps.Focus != nil {
		d.deps.Focus.Abort()
	}
	if d.deps.MainRecorder != nil {
		d.deps.MainRecorder.Stop()
	}
	if d.deps.MotionRec != nil {
		d.deps.MotionRec.Stop()
	}
	if d.deps.Sensors.Main != nil {
		d.deps.Sensors.Main.Shutdown()
	}
	if d.deps.Sensors.Secondary != nil {
		d.deps.Sensors.Secondary.Shutdown()
	}
	if d.deps.LEDs != nil {
		_ = d.deps.LEDs.SetLEDDuty(0, 0)
		_ = d.deps.LEDs.SetLEDDuty(1, 0)
	}
}

// telemetryLoop emits motor_positions at TelemetryActiveInterval while
// any axis is moving, else TelemetryIdleInterval, reconciling each
// moving axis's position estimate inline. Each tick it also checks
// both capture loops for stalls, reporting a log_message once per
// healthy-to-stalled transition.
func (d *Dispatcher) telemetryLoop(ctx context.Context) {
	stalled := map[string]bool{}

	for {
		interval := TelemetryIdleInterval
		if d.deps.Engine != nil && d.deps.Engine.AnyActive() {
			interval = TelemetryActiveInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		d.emitTelemetry()
		d.checkSensorHealth("main", d.deps.Sensors.Main, stalled)
		d.checkSensorHealth("secondary", d.deps.Sensors.Secondary, stalled)
	}
}

// checkSensorHealth reports a capture loop that has stopped producing
// frames. The stalled map de-duplicates the event so the operator gets
// one error per stall, not one per telemetry tick.
func (d *Dispatcher) checkSensorHealth(name string, p *video.Pipeline, stalled map[string]bool) {
	if p == nil {
		return
	}
	healthy := p.Healthy()
	switch {
	case !healthy && !stalled[name]:
		stalled[name] = true
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{
			Level: "error", Message: name + " sensor stopped producing frames",
		}})
	case healthy && stalled[name]:
		stalled[name] = false
	}
}

func (d *Dispatcher) emitTelemetry() {
	if d.deps.Engine == nil {
		return
	}

	positions := MotorPositions{Moving: d.deps.Engine.AnyActive()}

	for tag, at := range d.deps.AxisTelemetry {
		driver, ok := d.deps.Engine.Driver(tag)
		if !ok || at.Estimator == nil {
			continue
		}

		var volts float64
		if at.ReadVolts != nil {
			v, err := at.ReadVolts()
			if err == nil {
				volts = v
				if d.deps.Engine.Active(tag) {
					at.Estimator.Reconcile(driver, volts, at.ReconcileThreshold)
				}
			} else if d.log != nil {
				d.log.Debugw("session: volts read failed", "axis", tag, "error", err)
			}
		}

		mm := at.Estimator.MMFromSteps(driver.StepCount())
		switch tag {
		case motion.X:
			positions.XMM, positions.XVolts = mm, volts
		case motion.Y:
			positions.YMM, positions.YVolts = mm, volts
		case motion.Z:
			positions.ZMM, positions.ZVolts = mm, volts
		}
	}

	_ = d.sendEvent(Event{Type: "motor_positions", Payload: positions})
}

func encodeJPEGBase64(mat gocv.Mat) (string, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return "", fmt.Errorf("session: encode jpeg: %w", err)
	}
	defer buf.Close()
	return base64.StdEncoding.EncodeToString(buf.GetBytes()), nil
}
