// Package video implements the per-sensor Video Pipeline: the
// stopped/preview/still state machine, white balance, optional
// perspective correction, downsampling, JPEG encoding and the
// sharpness proxy it yields, publishing into bounded single-slot
// channels.
//
// Grounded on a capture-worker/manager pair's run loop and its
// frame-buffer latest-value-channel idiom, now generalized via
// internal/slotchan. Gain, perspective, resize, and encode all go
// through gocv.io/x/gocv.
package video

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"microscope-core/internal/sensorlock"
	"microscope-core/internal/slotchan"
)

// State is one of the three per-sensor modes.
type State int

const (
	StateStopped State = iota
	StatePreview
	StateStill
)

func (s State) String() string {
	switch s {
	case StatePreview:
		return "preview"
	case StateStill:
		return "still"
	default:
		return "stopped"
	}
}

// Frame is the raw-channel payload: the pixel buffer plus the
// encoded-JPEG-byte-length sharpness proxy. The caller must Close the
// Mat once done with it.
type Frame struct {
	Mat       gocv.Mat
	Sharpness float64
}

// GainSettings holds the white-balance multipliers applied to the red
// and blue channels.
type GainSettings struct {
	RGain float64
	BGain float64
}

// StartConfig parameterizes a stopped->preview transition.
type StartConfig struct {
	Width, Height int
	FramerateFPS  int
	ExposureUS    int
	AnalogueGain  float64
}

// StaleTimeout is how long a pipeline in preview mode may go without
// producing a frame before Healthy reports the capture loop stalled.
const StaleTimeout = 2 * time.Second

// Pipeline drives one sensor through the preview/still state machine
// and fans its frames out into three single-slot channels.
type Pipeline struct {
	sensor     Sensor
	encodePool *EncodePool
	log        *zap.SugaredLogger

	previewSize image.Point
	stillSize   image.Point
	guard       *sensorlock.Guard // optional; clears device holders before start

	mu    sync.Mutex
	state State
	gain  GainSettings

	perspective    gocv.Mat
	hasPerspective bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	frameCounter atomic.Uint64
	lastFrameAt  atomic.Int64

	previewCh   *slotchan.Chan[[]byte]
	rawCh       *slotchan.Chan[Frame]
	sharpnessCh *slotchan.Chan[float64]

	// onPreviewFrame, if set, is invoked with the encoded preview bytes
	// on every second preview frame, halving the outbound frame rate.
	// Must not block. Guarded by mu since the session dispatcher
	// rebinds it per connected session.
	onPreviewFrame func(jpeg []byte)
}

// New builds a Pipeline for sensor, publishing through a dedicated
// EncodePool. previewSize/stillSize are the two resolutions the sensor
// is reconfigured between.
func New(sensor Sensor, previewSize, stillSize image.Point, log *zap.SugaredLogger) *Pipeline {
	p := &Pipeline{
		sensor:      sensor,
		encodePool:  NewEncodePool(0),
		log:         log,
		previewSize: previewSize,
		stillSize:   stillSize,
		gain:        GainSettings{RGain: 1.0, BGain: 1.0},
		previewCh:   slotchan.New[[]byte](),
		rawCh:       slotchan.New[Frame](),
		sharpnessCh: slotchan.New[float64](),
	}
	return p
}

// SetDevicePath records the underlying device node for this sensor so
// StartPreview can clear stale holders before acquiring it. Optional;
// simulated sensors have no device node to clear.
func (p *Pipeline) SetDevicePath(path string) {
	p.guard = sensorlock.New(path, p.log)
}

// PreviewChan exposes the encoded-preview single-slot channel.
func (p *Pipeline) PreviewChan() *slotchan.Chan[[]byte] { return p.previewCh }

// RawChan exposes the raw-frame single-slot channel (Recorder's input).
func (p *Pipeline) RawChan() *slotchan.Chan[Frame] { return p.rawCh }

// SharpnessChan exposes the sharpness scalar channel (Autofocus input).
func (p *Pipeline) SharpnessChan() *slotchan.Chan[float64] { return p.sharpnessCh }

// SetGain updates the white-balance gains applied to subsequent frames.
func (p *Pipeline) SetGain(g GainSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gain = g
}

// SetPerspective installs (or, with ok=false, clears) the
// perspective-correction homography applied to subsequent frames.
// Off by default.
func (p *Pipeline) SetPerspective(homography gocv.Mat, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasPerspective {
		p.perspective.Close()
	}
	p.perspective = homography
	p.hasPerspective = ok
}

// SetOnPreviewFrame installs (or, with fn nil, clears) the every-
// second-preview-frame hook the session dispatcher uses to emit
// video_frame events. Safe to call while the pipeline is running.
func (p *Pipeline) SetOnPreviewFrame(fn func(jpeg []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPreviewFrame = fn
}

// State reports the current per-sensor mode.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Healthy reports whether the capture loop has produced a frame within
// StaleTimeout. Pipelines not in preview mode are always healthy; a
// stopped or still-capturing sensor is idle on purpose, not stalled.
// Callers decide whether to rebuild the sensor on an unhealthy
// pipeline.
func (p *Pipeline) Healthy() bool {
	if p.State() != StatePreview {
		return true
	}
	return time.Since(time.Unix(0, p.lastFrameAt.Load())) <= StaleTimeout
}

// StartPreview transitions stopped->preview: configures
// the sensor at preview resolution, starts it, and launches the
// capture loop.
func (p *Pipeline) StartPreview(cfg StartConfig) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return errBadTransition(p.state, StatePreview)
	}
	p.mu.Unlock()

	if p.guard != nil {
		p.guard.Clear()
	}

	if err := p.sensor.Configure(cfg.Width, cfg.Height, cfg.FramerateFPS, cfg.ExposureUS, cfg.AnalogueGain); err != nil {
		return err
	}
	if err := p.sensor.Start(); err != nil {
		return err
	}
	p.encodePool.Start()

	p.mu.Lock()
	p.state = StatePreview
	p.mu.Unlock()

	// Seed the staleness clock so a sensor that never produces a first
	// frame still trips Healthy after StaleTimeout.
	p.lastFrameAt.Store(time.Now().UnixNano())

	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.captureLoop()
	return nil
}

// startStagger separates consecutive sensors' initial preview starts
// so they do not contend for USB bandwidth during stream negotiation.
const startStagger = 500 * time.Millisecond

// StartAll starts preview on each pipeline in order, pausing
// startStagger between consecutive starts. A nil pipeline is skipped.
func StartAll(cfg StartConfig, pipelines ...*Pipeline) error {
	started := 0
	for _, p := range pipelines {
		if p == nil {
			continue
		}
		if started > 0 {
			time.Sleep(startStagger)
		}
		if err := p.StartPreview(cfg); err != nil {
			return err
		}
		started++
	}
	return nil
}

// captureLoop is the preview producer: read, correct, downsample,
// encode, publish, repeat.
func (p *Pipeline) captureLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		mat, err := p.sensor.ReadFrame()
		if err != nil {
			if p.log != nil {
				p.log.Debugw("video: sensor read failed", "error", err)
			}
			continue
		}

		p.mu.Lock()
		gain := p.gain
		var persp gocv.Mat
		hasPersp := p.hasPerspective
		if hasPersp {
			persp = p.perspective
		}
		onPreviewFrame := p.onPreviewFrame
		p.mu.Unlock()

		applyWhiteBalance(&mat, gain.RGain, gain.BGain)
		if hasPersp {
			applyPerspective(&mat, persp)
		}
		downsample(&mat, p.previewSize)

		jpegBytes, err := p.encodePool.Encode(mat)
		if err != nil {
			mat.Close()
			continue
		}
		sharpness := float64(len(jpegBytes))

		p.lastFrameAt.Store(time.Now().UnixNano())
		n := p.frameCounter.Add(1)

		p.sharpnessCh.TryPut(sharpness)
		p.previewCh.TryPut(jpegBytes)
		if !p.rawCh.TryPut(Frame{Mat: mat, Sharpness: sharpness}) {
			mat.Close()
		}

		// Every second preview frame is also surfaced as telemetry
		//, halving the outbound rate.
		if n%2 == 0 && onPreviewFrame != nil {
			onPreviewFrame(jpegBytes)
		}
	}
}

// Capture performs a still capture:
// suspends the preview loop, reconfigures for full resolution, takes
// one frame through the same gain/perspective pipeline, then restores
// preview mode. The caller owns the returned Mat and is responsible
// for encoding it.
func (p *Pipeline) Capture(ctx context.Context, cfg StartConfig) (gocv.Mat, error) {
	p.mu.Lock()
	if p.state != StatePreview {
		p.mu.Unlock()
		return gocv.NewMat(), errBadTransition(p.state, StateStill)
	}
	p.state = StateStill
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.sensor.Stop()

	defer func() {
		p.mu.Lock()
		p.state = StatePreview
		p.mu.Unlock()
		p.lastFrameAt.Store(time.Now().UnixNano())
		p.stopCh = make(chan struct{})
		p.wg.Add(1)
		go p.captureLoop()
	}()

	if err := p.sensor.Configure(p.stillSize.X, p.stillSize.Y, cfg.FramerateFPS, cfg.ExposureUS, cfg.AnalogueGain); err != nil {
		return gocv.NewMat(), err
	}
	if err := p.sensor.Start(); err != nil {
		return gocv.NewMat(), err
	}

	type result struct {
		mat gocv.Mat
		err error
	}
	done := make(chan result, 1)
	go func() {
		mat, err := p.sensor.ReadFrame()
		done <- result{mat, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			p.sensor.Stop()
			return gocv.NewMat(), r.err
		}
		p.mu.Lock()
		gain := p.gain
		persp := p.perspective
		hasPersp := p.hasPerspective
		p.mu.Unlock()
		applyWhiteBalance(&r.mat, gain.RGain, gain.BGain)
		if hasPersp {
			applyPerspective(&r.mat, persp)
		}
		p.sensor.Stop()
		if err := p.sensor.Configure(p.previewSize.X, p.previewSize.Y, cfg.FramerateFPS, cfg.ExposureUS, cfg.AnalogueGain); err != nil {
			r.mat.Close()
			return gocv.NewMat(), err
		}
		if err := p.sensor.Start(); err != nil {
			r.mat.Close()
			return gocv.NewMat(), err
		}
		return r.mat, nil
	case <-ctx.Done():
		p.sensor.Stop()
		return gocv.NewMat(), ctx.Err()
	}
}

// Shutdown transitions *->stopped, halting the capture
// loop and the encode pool and releasing the sensor.
func (p *Pipeline) Shutdown() {
	p.mu.Lock()
	state := p.state
	p.state = StateStopped
	p.mu.Unlock()

	if state == StatePreview {
		close(p.stopCh)
		p.wg.Wait()
	}
	p.encodePool.Stop()
	p.sensor.Stop()
}

func errBadTransition(from, to State) error {
	return &badTransitionError{from: from, to: to}
}

type badTransitionError struct{ from, to State }

func (e *badTransitionError) Error() string {
	return "video: invalid transition from " + e.from.String() + " to " + e.to.String()
}
