package video

import (
	"image"
	"testing"

	"gocv.io/x/gocv"
)

func TestDownsampleNoOpWhenSizeAlreadyMatches(t *testing.T) {
	mat := gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC3)
	defer mat.Close()

	downsample(&mat, image.Pt(160, 120))
	if mat.Cols() != 160 || mat.Rows() != 120 {
		t.Fatalf("size = %dx%d, want unchanged 160x120", mat.Cols(), mat.Rows())
	}
}

func TestDownsampleResizesOnMatchingAspect(t *testing.T) {
	mat := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3) // 4:3, same as target
	defer mat.Close()

	downsample(&mat, image.Pt(320, 240))
	if mat.Cols() != 320 || mat.Rows() != 240 {
		t.Fatalf("size = %dx%d, want 320x240", mat.Cols(), mat.Rows())
	}
}

func TestDownsampleCropsThenResizesOnAspectMismatch(t *testing.T) {
	mat := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3) // 4:3 source
	defer mat.Close()

	downsample(&mat, image.Pt(160, 160)) // 1:1 target
	if mat.Cols() != 160 || mat.Rows() != 160 {
		t.Fatalf("size = %dx%d, want 160x160 after crop-to-aspect then resize", mat.Cols(), mat.Rows())
	}
}

func TestApplyWhiteBalanceNoOpAtUnityGain(t *testing.T) {
	mat := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	defer mat.Close()
	mat.SetTo(gocv.NewScalar(50, 60, 70, 0))

	applyWhiteBalance(&mat, 1.0, 1.0)

	v := mat.GetVecbAt(0, 0)
	if v[0] != 50 || v[1] != 60 || v[2] != 70 {
		t.Fatalf("pixel = %v, want unchanged [50 60 70] at unity gain", v)
	}
}

func TestApplyWhiteBalanceScalesChannels(t *testing.T) {
	mat := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC3)
	defer mat.Close()
	mat.SetTo(gocv.NewScalar(50, 60, 70, 0))

	applyWhiteBalance(&mat, 2.0, 2.0)

	v := mat.GetVecbAt(0, 0)
	if v[0] != 100 {
		t.Fatalf("blue channel = %d, want 100 after 2x gain", v[0])
	}
	if v[1] != 60 {
		t.Fatalf("green channel = %d, want unchanged 60", v[1])
	}
	if v[2] != 140 {
		t.Fatalf("red channel = %d, want 140 after 2x gain", v[2])
	}
}
