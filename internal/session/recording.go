package session

import (
	"fmt"
	"time"

	"microscope-core/internal/config"
	"microscope-core/internal/video"
)

// Recording defaults. These mirror the main sensor's video resolution
// and nominal frame rate since no separate video-resolution knob is
// exposed in Settings.
const (
	recordingWidth     = 1280
	recordingHeight    = 720
	recordingFPS       = 30.0
	maxRecordingFrames = 30 * 60 * 10 // 10 minutes at 30fps
)

// Preview defaults used when a session reconnects after disconnect
// cleanup left the sensors stopped.
const (
	previewWidth  = 640
	previewHeight = 480
	previewFPS    = 15
)

func recordingPath() string {
	return fmt.Sprintf("recording-%d.avi", time.Now().UnixNano())
}

// videoStillConfig derives the still-capture StartConfig from the
// persisted Settings.
func videoStillConfig(s *config.Settings) video.StartConfig {
	return video.StartConfig{
		FramerateFPS: 1,
		ExposureUS:   int(s.ExposureMS * 1000),
		AnalogueGain: s.GainValue,
	}
}
