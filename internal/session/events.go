package session

import "encoding/json"

// Command is the inbound envelope: a type tag plus an
// opaque payload decoded per-command.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the outbound envelope. Payload is marshaled per event type.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type valuePayload struct {
	Value float64 `json:"value"`
}

type intValuePayload struct {
	Value int `json:"value"`
}

type movePayload struct {
	StepSizeUM *float64 `json:"step_size_um,omitempty"`
	Steps      *int     `json:"steps,omitempty"`
}

type recordingPayload struct {
	Interval *float64 `json:"interval,omitempty"`
}

type saveConfigPayload struct {
	ZStepSize float64 `json:"z_step_size"`
	XStepSize float64 `json:"x_step_size"`
	YStepSize float64 `json:"y_step_size"`
	ZLevel    float64 `json:"z_level"`
}

// MotorPositions is the periodic telemetry payload.
type MotorPositions struct {
	XMM    float64 `json:"x_mm"`
	YMM    float64 `json:"y_mm"`
	ZMM    float64 `json:"z_mm"`
	XVolts float64 `json:"x_volts"`
	YVolts float64 `json:"y_volts"`
	ZVolts float64 `json:"z_volts"`
	Moving bool    `json:"moving"`
}

// VideoFramePayload carries a base64-encoded preview JPEG. Binary
// payloads are always base64-encoded in the event body.
type VideoFramePayload struct {
	Sensor     string `json:"sensor"`
	JPEGBase64 string `json:"jpeg_base64"`
}

// FocusCompletePayload reports an autofocus session's outcome.
type FocusCompletePayload struct {
	PositionMM float64 `json:"position_mm,omitempty"`
	Fallback   bool    `json:"fallback,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// CaptureResponsePayload reports a still-capture's outcome.
type CaptureResponsePayload struct {
	Success    bool   `json:"success"`
	JPEGBase64 string `json:"jpeg_base64,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RecordingStatusPayload reports a recorder-state problem that is not
// the outcome of a recording session, e.g. a start attempt while the
// other recorder is active. Session outcomes use recording_response.
type RecordingStatusPayload struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// RecordingResponsePayload reports a recording session's outcome.
type RecordingResponsePayload struct {
	Success   bool   `json:"success"`
	Path      string `json:"path,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Frames    int    `json:"frames,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SettingsUpdatePayload echoes the persisted Settings document back to
// the client after any change.
type SettingsUpdatePayload struct {
	ExposureMS    float64 `json:"exposure_value"`
	GainValue     float64 `json:"gain_value"`
	RValue        float64 `json:"r_value"`
	BValue        float64 `json:"b_value"`
	LEDValue0     int     `json:"led_value_0"`
	LEDValue1     int     `json:"led_value_1"`
	Magnification int     `json:"magnification"`
	ZLevel        float64 `json:"z_level"`
	ZStepSize     float64 `json:"z_step_size"`
	XStepSize     float64 `json:"x_step_size"`
	YStepSize     float64 `json:"y_step_size"`
}

// LogMessagePayload is the catch-all progress/acknowledgment event:
// motion-command completions, protocol errors, and acknowledgments for
// commands this dispatcher classifies but does not itself execute
// (stitch, focus_stack, cell_count, auto_brightness run as offline
// image-processing jobs elsewhere).
type LogMessagePayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
