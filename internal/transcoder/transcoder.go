package transcoder

import (
	"context"

	"github.com/wwenrr/img-resize-report/internal/catalog"
)

// ImageStats describes one image before or after optimization.
type ImageStats struct {
	SizeBytes int64  `json:"size_bytes"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Format    string `json:"format"`
	Channels  string `json:"channels"`
	BitDepth  string `json:"bit_depth"`
}

// OptimizationRecord is the outcome of optimizing a single image. Absence of
// a record means the image was below the size threshold and left untouched.
type OptimizationRecord struct {
	ImageID   int64      `json:"image_id"`
	Original  ImageStats `json:"original"`
	Optimized ImageStats `json:"optimized"`
	Quality   int        `json:"quality"`

	// Data holds the optimized bytes for sync-back. Not serialized.
	Data []byte `json:"-"`
}

// SavedBytes returns how many bytes the optimization removed.
func (r *OptimizationRecord) SavedBytes() int64 {
	return r.Original.SizeBytes - r.Optimized.SizeBytes
}

// Options tune the transcode and its quality search.
type Options struct {
	LargeThresholdBytes int64 // below this the image is a no-op
	TargetSizeBytes     int64 // the quality search aims under this
	MaxDimension        int   // neither output dimension exceeds this
	QualityStart        int
	QualityStep         int
	QualityFloor        int
	QualityFixed        int // used when the original is already near target
}

// Optimizer fetches, inspects and re-encodes a single image.
type Optimizer interface {
	// Optimize returns a record when the image was transcoded, nil when it
	// was below the threshold, and an error when it could not be handled at
	// all. Errors are per-image and never fatal to the owning product.
	Optimize(ctx context.Context, img catalog.Image) (*OptimizationRecord, error)
}
