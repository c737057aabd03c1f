package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pyckit/segmentation-service/internal/scheduler/domain"
)

func TestCropRect(t *testing.T) {
	tests := []struct {
		name    string
		box     domain.BoundingBox
		width   int
		height  int
		padding float64
		want    domain.CropRect
	}{
		{
			name:    "centered box with padding",
			box:     domain.BoundingBox{X: 50, Y: 50, Width: 10, Height: 10},
			width:   1000,
			height:  1000,
			padding: 1.2,
			// 10% of 1000 = 100px, padded to 120px, centered at 500.
			want: domain.CropRect{X1: 440, Y1: 440, X2: 560, Y2: 560},
		},
		{
			name:    "clamped at top-left corner",
			box:     domain.BoundingBox{X: 2, Y: 3, Width: 20, Height: 20},
			width:   1000,
			height:  800,
			padding: 1.2,
			// Padded half-width 120 exceeds the center offset, so x1/y1
			// clamp to 0.
			want: domain.CropRect{X1: 0, Y1: 0, X2: 140, Y2: 120},
		},
		{
			name:    "clamped at bottom-right corner",
			box:     domain.BoundingBox{X: 99, Y: 98, Width: 10, Height: 10},
			width:   1000,
			height:  1000,
			padding: 1.2,
			want: domain.CropRect{X1: 930, Y1: 920, X2: 1000, Y2: 1000},
		},
		{
			name:    "full image box clamps to bounds",
			box:     domain.BoundingBox{X: 50, Y: 50, Width: 100, Height: 100},
			width:   640,
			height:  480,
			padding: 1.2,
			want:    domain.CropRect{X1: 0, Y1: 0, X2: 640, Y2: 480},
		},
		{
			name:    "no padding",
			box:     domain.BoundingBox{X: 25, Y: 75, Width: 10, Height: 20},
			width:   400,
			height:  200,
			padding: 1.0,
			// center (100,150), half sizes 20 and 20.
			want: domain.CropRect{X1: 80, Y1: 130, X2: 120, Y2: 170},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cropRect(tt.box, tt.width, tt.height, tt.padding)
			assert.Equal(t, tt.want, got)
		})
	}
}
