package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"microscope-core/internal/slotchan"
	"microscope-core/internal/video"
)

func feedFrames(t *testing.T, raw *slotchan.Chan[video.Frame], n int, width, height int) {
	t.Helper()
	go func() {
		for i := 0; i < n; i++ {
			mat := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
			raw.TryPut(video.Frame{Mat: mat, Sharpness: float64(i)})
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestRecorderWritesUpToMaxFrames(t *testing.T) {
	raw := slotchan.New[video.Frame]()
	feedFrames(t, raw, 10, 64, 48)

	r := New(nil)
	path := filepath.Join(t.TempDir(), "out.avi")

	result, err := r.Start(raw, path, 64, 48, 30, 5, 0)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if result.Frames != 5 {
		t.Fatalf("Frames = %d, want 5 (capped by maxFrames)", result.Frames)
	}
	if result.Path != path {
		t.Fatalf("Path = %q, want %q", result.Path, path)
	}
}

func TestRecorderStopEndsEarly(t *testing.T) {
	raw := slotchan.New[video.Frame]()
	feedFrames(t, raw, 1000, 64, 48)

	r := New(nil)
	path := filepath.Join(t.TempDir(), "out.avi")

	done := make(chan Result, 1)
	go func() {
		result, err := r.Start(raw, path, 64, 48, 30, 1_000_000, 0)
		if err != nil {
			t.Errorf("Start: %v", err)
			return
		}
		done <- result
	}()

	time.Sleep(50 * time.Millisecond)
	r.Stop()

	select {
	case result := <-done:
		if result.Frames <= 0 {
			t.Fatal("expected at least one frame to have been written before Stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start never returned after Stop")
	}
}

func TestRecorderRejectsConcurrentStart(t *testing.T) {
	raw := slotchan.New[video.Frame]()
	feedFrames(t, raw, 1000, 64, 48)

	r := New(nil)
	path := filepath.Join(t.TempDir(), "out.avi")

	go r.Start(raw, path, 64, 48, 30, 1_000_000, 0)
	time.Sleep(20 * time.Millisecond)
	if !r.Recording() {
		t.Skip("first Start had not begun recording before the race window")
	}

	_, err := r.Start(raw, filepath.Join(t.TempDir(), "other.avi"), 64, 48, 30, 10, 0)
	if err == nil {
		t.Fatal("expected a resource-busy error starting a second recording concurrently")
	}

	r.Stop()
}
