// Package recorder implements the main-sensor video recorder and the
// secondary sensor's motion-gated variant. There is no
// direct precedent for the writer itself; the gocv.VideoWriter call
// shapes follow the same gocv.io/x/gocv stack used for camera I/O
// elsewhere in this codebase, and the cooperative running-flag idiom
// follows internal/axis and internal/motion's atomic.Bool stop flags.
package recorder

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"microscope-core/internal/coreerr"
	"microscope-core/internal/slotchan"
	"microscope-core/internal/video"
)

// Codec is the fixed fourcc every recording is written with; MJPG
// keeps per-frame decoding simple for downstream tooling.
const Codec = "MJPG"

// Result is returned when a recorder stops, successfully or not.
type Result struct {
	Path      string
	SizeBytes int64
	Frames    int
}

// Recorder is the main-sensor recorder: pulls raw frames off a single-
// slot channel and writes them at the sensor's nominal frame rate,
// optionally sleeping an inter-frame delay between writes, capping at
// a configured frame count.
type Recorder struct {
	log *zap.SugaredLogger

	mu        sync.Mutex
	recording atomic.Bool
	stopCh    chan struct{}
}

// New builds an idle Recorder.
func New(log *zap.SugaredLogger) *Recorder {
	return &Recorder{log: log}
}

// Recording reports whether a recording is in flight.
func (r *Recorder) Recording() bool { return r.recording.Load() }

// Start opens a writer at path and runs the capture-and-write loop
// until maxFrames is reached or Stop is called, blocking the caller
// throughout. interFrameDelay of zero writes as fast as frames arrive.
func (r *Recorder) Start(raw *slotchan.Chan[video.Frame], path string, width, height int, fps float64, maxFrames int, interFrameDelay time.Duration) (Result, error) {
	if !r.recording.CompareAndSwap(false, true) {
		return Result{}, coreerr.Tag(fmt.Errorf("recorder: already recording"), coreerr.KindResourceBusy)
	}
	defer r.recording.Store(false)

	writer, err := gocv.VideoWriterFile(path, Codec, fps, width, height, true)
	if err != nil {
		return Result{}, coreerr.Tag(fmt.Errorf("recorder: open writer: %w", err), coreerr.KindConfiguration)
	}
	defer writer.Close()

	r.mu.Lock()
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	frames := 0
	for frames < maxFrames {
		select {
		case <-stopCh:
			return r.finish(path, frames)
		default:
		}

		ctx, cancel := contextWithStop(stopCh, 5*time.Second)
		frame, err := raw.Get(ctx)
		cancel()
		if err != nil {
			continue
		}

		if err := writer.Write(frame.Mat); err != nil {
			frame.Mat.Close()
			continue
		}
		frame.Mat.Close()
		frames++

		if interFrameDelay > 0 {
			select {
			case <-time.After(interFrameDelay):
			case <-stopCh:
				return r.finish(path, frames)
			}
		}
	}

	return r.finish(path, frames)
}

// Stop requests a cooperative halt. Safe to call even if not recording.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		select {
		case <-r.stopCh:
		default:
			close(r.stopCh)
		}
	}
}

func (r *Recorder) finish(path string, frames int) (Result, error) {
	size, err := fileSize(path)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: path, SizeBytes: size, Frames: frames}, nil
}
