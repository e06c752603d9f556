package capture

import (
	"context"
	"fmt"
)

const (
	maxDimension = 7680
)

// Geometry describes the display being captured.
type Geometry struct {
	Width    int `json:"width" bson:"width"`
	Height   int `json:"height" bson:"height"`
	Density  int `json:"density" bson:"density"`
	Rotation int `json:"rotation" bson:"rotation"`
}

// Validate rejects geometries the encoder cannot be configured for.
func (g Geometry) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("invalid display size %dx%d", g.Width, g.Height)
	}
	if g.Width > maxDimension || g.Height > maxDimension {
		return fmt.Errorf("unsupported resolution %dx%d", g.Width, g.Height)
	}
	if g.Density <= 0 {
		return fmt.Errorf("invalid display density %d", g.Density)
	}
	switch g.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("invalid rotation %d", g.Rotation)
	}
	return nil
}

// FrameSize returns the captured frame size with rotation applied.
func (g Geometry) FrameSize() (int, int) {
	if g.Rotation == 90 || g.Rotation == 270 {
		return g.Height, g.Width
	}
	return g.Width, g.Height
}

func (g Geometry) String() string {
	w, h := g.FrameSize()
	return fmt.Sprintf("%dx%d@%ddpi", w, h, g.Density)
}

// Recorder writes the screen to a single video file.
// Start and Stop may block on process and file I/O.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsActive() bool
}

// Factory prepares a Recorder for one target file.
type Factory interface {
	New(target string, g Geometry) (Recorder, error)
}
