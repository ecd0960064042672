package video

import (
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// Sensor is the external collaborator a Pipeline drives: the physical
// (or simulated) camera. Configure/Start/Stop/ReadFrame mirror a
// capture contract commonly split across a camera type and a capture
// worker type; here one interface covers both because the pipeline,
// not the sensor, owns preview/still state.
type Sensor interface {
	Configure(width, height, framerateFPS int, exposureUS int, analogueGain float64) error
	Start() error
	Stop()
	// ReadFrame blocks until the next raw frame is available or the
	// sensor is stopped, in which case it returns an error.
	ReadFrame() (gocv.Mat, error)
}

// SimSensor is a Sensor that synthesizes frames without hardware,
// grounded on a capture-worker run loop shape but producing gocv.Mat
// frames directly instead of decoding JPEG off ffmpeg's stdout.
// SharpnessFn sets the grey level of each synthetic frame.
type SimSensor struct {
	width, height int
	frameInterval time.Duration
	running       bool
	stopCh        chan struct{}

	// SharpnessFn, if set, gives the grey level (clamped to 0..255) of
	// each synthetic frame as a function of a caller-supplied "scene
	// position" (e.g. the Z axis's current step count), which
	// SetScenePosition updates.
	SharpnessFn   func(scenePos float64) float64
	scenePosition float64
}

// NewSimSensor returns a SimSensor with no frame synthesis rule; frames
// are mid grey (level 128) until SharpnessFn is set. Every frame is a
// flat field either way.
func NewSimSensor() *SimSensor {
	return &SimSensor{stopCh: make(chan struct{})}
}

func (s *SimSensor) Configure(width, height, framerateFPS int, _ int, _ float64) error {
	if width <= 0 || height <= 0 || framerateFPS <= 0 {
		return fmt.Errorf("video: invalid sensor configuration %dx%d@%d", width, height, framerateFPS)
	}
	s.width, s.height = width, height
	s.frameInterval = time.Second / time.Duration(framerateFPS)
	return nil
}

func (s *SimSensor) Start() error {
	s.stopCh = make(chan struct{})
	s.running = true
	return nil
}

func (s *SimSensor) Stop() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
}

// SetScenePosition lets a test move the synthetic focus curve, e.g. in
// lockstep with the Z axis driver's step count.
func (s *SimSensor) SetScenePosition(pos float64) { s.scenePosition = pos }

func (s *SimSensor) ReadFrame() (gocv.Mat, error) {
	select {
	case <-s.stopCh:
		return gocv.NewMat(), fmt.Errorf("video: sensor stopped")
	case <-time.After(s.frameInterval):
	}

	mat := gocv.NewMatWithSize(s.height, s.width, gocv.MatTypeCV8UC3)

	// A flat field whose intensity is derived from SharpnessFn; the
	// frame carries no spatial detail, only a uniform level.
	level := uint8(128)
	if s.SharpnessFn != nil {
		v := s.SharpnessFn(s.scenePosition)
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		level = uint8(v)
	}
	mat.SetTo(gocv.NewScalar(float64(level), float64(level), float64(level), 0))
	return mat, nil
}

var _ Sensor = (*SimSensor)(nil)
