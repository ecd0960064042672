package session

import (
	"context"
	"encoding/json"
	"time"

	"microscope-core/internal/config"
	"microscope-core/internal/motion"
)

// dispatch classifies and executes one inbound command. Instant
// commands run synchronously on the read goroutine; motion and long
// commands spawn a worker so the read loop (and therefore the
// telemetry loop's liveness) is never blocked on a move or a capture.
func (d *Dispatcher) dispatch(ctx context.Context, cmd Command) {
	switch cmd.Type {

	// --- instant ---
	case "set_exposure":
		d.handleSetValue(cmd, func(v float64) { d.deps.Settings.ExposureMS = v })
	case "set_gain":
		d.handleSetValue(cmd, func(v float64) { d.deps.Settings.GainValue = v })
	case "set_led_0":
		d.handleSetLED(cmd, 0)
	case "set_led_1":
		d.handleSetLED(cmd, 1)
	case "stop_move":
		d.deps.Engine.StopAll()
		if d.deps.Focus != nil {
			d.deps.Focus.Abort()
		}
	case "save_config":
		d.handleSaveConfig(cmd)

	// --- motion ---
	case "set_x_pos", "set_y_pos", "set_z_pos":
		go d.handleAbsoluteMove(cmd)
	case "move_x", "move_y", "move_z":
		go d.handleRelativeMove(cmd)

	// --- long ---
	case "fast_focus":
		go d.handleFastFocus(ctx)
	case "capture":
		go d.handleCapture(ctx)
	case "start_recording":
		go d.handleStartRecording(cmd)
	case "stop_recording":
		d.handleStopRecording()
	case "start_motion_recording":
		go d.handleStartMotionRecording()
	case "stop_motion_recording":
		if d.deps.MotionRec != nil {
			d.deps.MotionRec.Stop()
		}

	// Offline image-processing jobs, not executed by this dispatcher.
	case "stitch", "focus_stack", "cell_count", "auto_brightness":
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{
			Level: "info", Message: cmd.Type + " is handled outside the control core",
		}})

	default:
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{
			Level: "warn", Message: "unknown command: " + cmd.Type,
		}})
	}
}

func (d *Dispatcher) handleSetValue(cmd Command, apply func(float64)) {
	var p valuePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "error", Message: "bad payload for " + cmd.Type}})
		return
	}
	apply(p.Value)
	d.emitSettingsUpdate()
}

func (d *Dispatcher) handleSetLED(cmd Command, index int) {
	var p intValuePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "error", Message: "bad payload for " + cmd.Type}})
		return
	}
	if d.deps.LEDs != nil {
		if err := d.deps.LEDs.SetLEDDuty(index, float64(p.Value)); err != nil {
			d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "error", Message: err.Error()}})
			return
		}
	}
	if index == 0 {
		d.deps.Settings.LEDValue0 = p.Value
	} else {
		d.deps.Settings.LEDValue1 = p.Value
	}
	d.emitSettingsUpdate()
}

func (d *Dispatcher) handleSaveConfig(cmd Command) {
	var p saveConfigPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "error", Message: "bad payload for save_config"}})
		return
	}
	d.deps.Settings.ZStepSize = p.ZStepSize
	d.deps.Settings.XStepSize = p.XStepSize
	d.deps.Settings.YStepSize = p.YStepSize
	d.deps.Settings.ZLevel = p.ZLevel

	if err := config.SaveSettings(d.deps.SettingsPath, d.deps.Settings); err != nil {
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "error", Message: err.Error()}})
		return
	}
	d.emitSettingsUpdate()
}

func (d *Dispatcher) emitSettingsUpdate() {
	s := d.deps.Settings
	d.sendEvent(Event{Type: "settings_update", Payload: SettingsUpdatePayload{
		ExposureMS: s.ExposureMS, GainValue: s.GainValue, RValue: s.RValue, BValue: s.BValue,
		LEDValue0: s.LEDValue0, LEDValue1: s.LEDValue1, Magnification: s.Magnification,
		ZLevel: s.ZLevel, ZStepSize: s.ZStepSize, XStepSize: s.XStepSize, YStepSize: s.YStepSize,
	}})
}

func (d *Dispatcher) handleAbsoluteMove(cmd Command) {
	var p valuePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "error", Message: "bad payload for " + cmd.Type}})
		return
	}

	tag, stepsPerMM := d.axisAndStepsPerMM(cmd.Type)
	targetSteps := int64(p.Value * stepsPerMM)

	if _, err := d.deps.Engine.MoveAbsolute(tag, targetSteps); err != nil {
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "error", Message: err.Error()}})
		return
	}
	d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "info", Message: string(tag) + " move complete"}})
}

func (d *Dispatcher) handleRelativeMove(cmd Command) {
	var p movePayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "error", Message: "bad payload for " + cmd.Type}})
		return
	}

	tag, stepsPerMM := d.axisAndStepsPerMM(cmd.Type)

	var deltaSteps int
	switch {
	case p.Steps != nil:
		deltaSteps = *p.Steps
	case p.StepSizeUM != nil:
		deltaSteps = int(*p.StepSizeUM / 1000.0 * stepsPerMM)
	default:
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "error", Message: cmd.Type + " requires steps or step_size_um"}})
		return
	}

	if _, err := d.deps.Engine.MoveRelative(tag, deltaSteps); err != nil {
		d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "error", Message: err.Error()}})
		return
	}
	d.sendEvent(Event{Type: "log_message", Payload: LogMessagePayload{Level: "info", Message: string(tag) + " move complete"}})
}

func (d *Dispatcher) axisAndStepsPerMM(cmdType string) (motion.Tag, float64) {
	switch cmdType {
	case "set_x_pos", "move_x":
		return motion.X, d.deps.Settings.XYStepsPerMM
	case "set_y_pos", "move_y":
		return motion.Y, d.deps.Settings.XYStepsPerMM
	default:
		return motion.Z, d.deps.Settings.ZStepsPerMM
	}
}

func (d *Dispatcher) handleFastFocus(ctx context.Context) {
	if d.deps.Focus == nil {
		d.sendEvent(Event{Type: "focus_complete", Payload: FocusCompletePayload{Error: "autofocus not configured"}})
		return
	}

	focusCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	result, err := d.deps.Focus.Run(focusCtx, d.deps.Settings.ZStepsPerMM, func(steps int64) float64 {
		return float64(steps) / d.deps.Settings.ZStepsPerMM
	})
	if err != nil {
		d.sendEvent(Event{Type: "focus_complete", Payload: FocusCompletePayload{Error: err.Error()}})
		return
	}
	d.sendEvent(Event{Type: "focus_complete", Payload: FocusCompletePayload{PositionMM: result.FinalMM, Fallback: result.Fallback}})
}

func (d *Dispatcher) handleCapture(ctx context.Context) {
	if d.deps.Sensors.Main == nil {
		d.sendEvent(Event{Type: "capture_response", Payload: CaptureResponsePayload{Error: "main sensor not configured"}})
		return
	}

	captureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mat, err := d.deps.Sensors.Main.Capture(captureCtx, videoStillConfig(d.deps.Settings))
	if err != nil {
		d.sendEvent(Event{Type: "capture_response", Payload: CaptureResponsePayload{Error: err.Error()}})
		return
	}
	defer mat.Close()

	b64, err := encodeJPEGBase64(mat)
	if err != nil {
		d.sendEvent(Event{Type: "capture_response", Payload: CaptureResponsePayload{Error: err.Error()}})
		return
	}
	d.sendEvent(Event{Type: "capture_response", Payload: CaptureResponsePayload{Success: true, JPEGBase64: b64}})
}

func (d *Dispatcher) handleStartRecording(cmd Command) {
	var p recordingPayload
	_ = json.Unmarshal(cmd.Payload, &p)

	interFrameDelay := time.Duration(0)
	if p.Interval != nil {
		interFrameDelay = time.Duration(*p.Interval * float64(time.Second))
	}

	if d.deps.Sensors.Main == nil {
		d.sendEvent(Event{Type: "recording_response", Payload: RecordingResponsePayload{Error: "main sensor not configured"}})
		return
	}
	if err := d.deps.Recorders.TryAcquire("main"); err != nil {
		d.sendEvent(Event{Type: "recording_status", Payload: RecordingStatusPayload{Error: true, Message: err.Error()}})
		return
	}

	go func() {
		defer d.deps.Recorders.Release("main")
		result, err := d.deps.MainRecorder.Start(d.deps.Sensors.Main.RawChan(), recordingPath(), recordingWidth, recordingHeight, recordingFPS, maxRecordingFrames, interFrameDelay)
		if err != nil {
			d.sendEvent(Event{Type: "recording_response", Payload: RecordingResponsePayload{Error: err.Error()}})
			return
		}
		d.sendEvent(Event{Type: "recording_response", Payload: RecordingResponsePayload{
			Success: true, Path: result.Path, SizeBytes: result.SizeBytes, Frames: result.Frames,
		}})
	}()
}

func (d *Dispatcher) handleStopRecording() {
	if d.deps.MainRecorder != nil {
		d.deps.MainRecorder.Stop()
	}
}

func (d *Dispatcher) handleStartMotionRecording() {
	if d.deps.Sensors.Secondary == nil {
		d.sendEvent(Event{Type: "recording_response", Payload: RecordingResponsePayload{Error: "secondary sensor not configured"}})
		return
	}
	if err := d.deps.Recorders.TryAcquire("motion"); err != nil {
		d.sendEvent(Event{Type: "recording_status", Payload: RecordingStatusPayload{Error: true, Message: err.Error()}})
		return
	}
	defer d.deps.Recorders.Release("motion")

	result, err := d.deps.MotionRec.Start(d.deps.Sensors.Secondary.RawChan(), recordingPath(), recordingWidth, recordingHeight)
	if err != nil {
		d.sendEvent(Event{Type: "recording_response", Payload: RecordingResponsePayload{Error: err.Error()}})
		return
	}
	d.sendEvent(Event{Type: "recording_response", Payload: RecordingResponsePayload{
		Success: true, Path: result.Path, SizeBytes: result.SizeBytes, Frames: result.Frames,
	}})
}
