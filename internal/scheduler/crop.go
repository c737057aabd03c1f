package scheduler

import (
	"math"

	"github.com/pyckit/segmentation-service/internal/scheduler/domain"
)

// cropRect converts a center-based percentage bounding box into an absolute
// pixel rectangle, widened by the padding factor and clamped to the image
// bounds. The padding gives the segmentation model context around the
// detected object.
func cropRect(box domain.BoundingBox, imageWidth, imageHeight int, padding float64) domain.CropRect {
	w := float64(imageWidth)
	h := float64(imageHeight)

	centerX := box.X / 100 * w
	centerY := box.Y / 100 * h
	boxW := box.Width / 100 * w * padding
	boxH := box.Height / 100 * h * padding

	return domain.CropRect{
		X1: int(math.Max(0, math.Round(centerX-boxW/2))),
		Y1: int(math.Max(0, math.Round(centerY-boxH/2))),
		X2: int(math.Min(w, math.Round(centerX+boxW/2))),
		Y2: int(math.Min(h, math.Round(centerY+boxH/2))),
	}
}
