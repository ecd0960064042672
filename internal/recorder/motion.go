package recorder

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"microscope-core/internal/coreerr"
	"microscope-core/internal/slotchan"
	"microscope-core/internal/video"
)

// Motion-gated recording thresholds and cadences.
const (
	MotionRatioThreshold = 0.005
	MotionCooldown       = 2 * time.Second
	ActiveFPS            = 10.0
	IdleFPS              = 1.0
)

// MotionRecorder is the secondary sensor's motion-gated recorder: it
// writes at ActiveFPS while motion is detected or within MotionCooldown
// of the last detection, else at IdleFPS, computed from the greyscale
// absolute-difference ratio over the centre quarter of the frame.
type MotionRecorder struct {
	log *zap.SugaredLogger

	mu        sync.Mutex
	recording atomic.Bool
	stopCh    chan struct{}
}

// NewMotion builds an idle MotionRecorder.
func NewMotion(log *zap.SugaredLogger) *MotionRecorder {
	return &MotionRecorder{log: log}
}

// Recording reports whether a recording is in flight.
func (r *MotionRecorder) Recording() bool { return r.recording.Load() }

// Start runs the motion-gated capture-and-write loop until Stop is
// called, blocking the caller throughout.
func (r *MotionRecorder) Start(raw *slotchan.Chan[video.Frame], path string, width, height int) (Result, error) {
	if !r.recording.CompareAndSwap(false, true) {
		return Result{}, coreerr.Tag(fmt.Errorf("recorder: motion recorder already recording"), coreerr.KindResourceBusy)
	}
	defer r.recording.Store(false)

	writer, err := gocv.VideoWriterFile(path, Codec, ActiveFPS, width, height, true)
	if err != nil {
		return Result{}, coreerr.Tag(fmt.Errorf("recorder: open writer: %w", err), coreerr.KindConfiguration)
	}
	defer writer.Close()

	r.mu.Lock()
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	var prevGrey gocv.Mat
	havePrev := false
	defer func() {
		if havePrev {
			prevGrey.Close()
		}
	}()

	var lastMotionAt time.Time
	frames := 0

	for {
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

		grey := gocv.NewMat()
		gocv.CvtColor(frame.Mat, &grey, gocv.ColorBGRToGray)
		gocv.GaussianBlur(grey, &grey, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

		motionRatio := 0.0
		if havePrev {
			motionRatio = motionRatioOverCenterQuarter(grey, prevGrey)
		}

		active := motionRatio > MotionRatioThreshold
		if active {
			lastMotionAt = time.Now()
		}
		cooling := !lastMotionAt.IsZero() && time.Since(lastMotionAt) <= MotionCooldown

		if havePrev {
			prevGrey.Close()
		}
		prevGrey = grey
		havePrev = true

		interval := time.Second / ActiveFPS
		if !active && !cooling {
			interval = time.Second / IdleFPS
		}

		if err := writer.Write(frame.Mat); err != nil {
			frame.Mat.Close()
			continue
		}
		frame.Mat.Close()
		frames++

		select {
		case <-time.After(interval):
		case <-stopCh:
			return r.finish(path, frames)
		}
	}
}

// Stop requests a cooperative halt. Safe to call even if not recording.
func (r *MotionRecorder) Stop() {
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

func (r *MotionRecorder) finish(path string, frames int) (Result, error) {
	size, err := fileSize(path)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: path, SizeBytes: size, Frames: frames}, nil
}

// motionRatioOverCenterQuarter computes nonzero_pixels/roi_pixels
// after thresholding the absolute difference between cur and prev,
// restricted to the centre quarter of the frame.
func motionRatioOverCenterQuarter(cur, prev gocv.Mat) float64 {
	roi := centerQuarter(cur)
	curROI := cur.Region(roi)
	prevROI := prev.Region(roi)
	defer curROI.Close()
	defer prevROI.Close()

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(curROI, prevROI, &diff)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(diff, &thresh, 25, 255, gocv.ThresholdBinary)

	nonzero := gocv.CountNonZero(thresh)
	total := roi.Dx() * roi.Dy()
	if total == 0 {
		return 0
	}
	return float64(nonzero) / float64(total)
}

func centerQuarter(mat gocv.Mat) image.Rectangle {
	w, h := mat.Cols(), mat.Rows()
	rw, rh := w/2, h/2
	x0, y0 := w/4, h/4
	return image.Rect(x0, y0, x0+rw, y0+rh)
}
