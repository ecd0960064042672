package video

import (
	"image"

	"gocv.io/x/gocv"
)

// applyWhiteBalance multiplies the red and blue channels of mat in
// place by rGain and bGain, clipping via gocv's saturating convertTo.
// A 1.0/1.0 pair is a no-op.
func applyWhiteBalance(mat *gocv.Mat, rGain, bGain float64) {
	if rGain == 1.0 && bGain == 1.0 {
		return
	}

	channels := gocv.Split(*mat)
	defer func() {
		for i := range channels {
			channels[i].Close()
		}
	}()

	// BGR channel order: 0=B, 1=G, 2=R.
	channels[0].ConvertToWithParams(&channels[0], gocv.MatTypeCV8U, float32(bGain), 0)
	channels[2].ConvertToWithParams(&channels[2], gocv.MatTypeCV8U, float32(rGain), 0)

	gocv.Merge(channels, mat)
}

// applyPerspective warps mat by homography in place, used for the
// secondary sensor's optional perspective correction (spec §4.5 step
// 2).
func applyPerspective(mat *gocv.Mat, homography gocv.Mat) {
	warped := gocv.NewMat()
	defer warped.Close()
	gocv.WarpPerspective(*mat, &warped, homography, image.Pt(mat.Cols(), mat.Rows()))
	warped.CopyTo(mat)
}

// downsample resizes mat in place to size: a linear resize when the
// aspect ratios already match, else a centred crop to the destination
// aspect followed by a linear resize.
func downsample(mat *gocv.Mat, size image.Point) {
	if mat.Cols() == size.X && mat.Rows() == size.Y {
		return
	}

	srcAspect := float64(mat.Cols()) / float64(mat.Rows())
	dstAspect := float64(size.X) / float64(size.Y)

	const aspectTolerance = 0.01
	if abs(srcAspect-dstAspect) <= aspectTolerance {
		resized := gocv.NewMat()
		gocv.Resize(*mat, &resized, size, 0, 0, gocv.InterpolationLinear)
		resized.CopyTo(mat)
		resized.Close()
		return
	}

	// Aspect ratios differ: crop to the destination aspect around
	// centre, then resize to the exact target size.
	var cropW, cropH int
	if srcAspect > dstAspect {
		cropH = mat.Rows()
		cropW = int(float64(cropH) * dstAspect)
	} else {
		cropW = mat.Cols()
		cropH = int(float64(cropW) / dstAspect)
	}
	x0 := (mat.Cols() - cropW) / 2
	y0 := (mat.Rows() - cropH) / 2
	region := mat.Region(image.Rect(x0, y0, x0+cropW, y0+cropH))

	resized := gocv.NewMat()
	gocv.Resize(region, &resized, size, 0, 0, gocv.InterpolationLinear)
	region.Close()
	resized.CopyTo(mat)
	resized.Close()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
