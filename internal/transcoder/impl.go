package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"

	"github.com/wwenrr/img-resize-report/internal/catalog"
)

// DefaultOptimizer is the default implementation of the Optimizer interface.
type DefaultOptimizer struct {
	opts       Options
	log        *logrus.Logger
	httpClient *http.Client
}

// NewDefaultOptimizer creates a new DefaultOptimizer instance.
func NewDefaultOptimizer(opts Options, log *logrus.Logger) *DefaultOptimizer {
	return &DefaultOptimizer{
		opts:       opts,
		log:        log,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Optimize fetches the full image, skips it when it is already small, and
// otherwise downscales and re-encodes it under the quality search.
func (o *DefaultOptimizer) Optimize(ctx context.Context, imgRef catalog.Image) (*OptimizationRecord, error) {
	data, err := o.fetch(ctx, imgRef.Src)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", imgRef.Src, err)
	}

	decoded, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", imgRef.Src, err)
	}

	original := statsFor(decoded, int64(len(data)), strings.ToUpper(format))

	if original.SizeBytes < o.opts.LargeThresholdBytes {
		o.log.Debugf("Image %d is %d bytes, below threshold - skipping", imgRef.ID, original.SizeBytes)
		return nil, nil
	}

	resized := decoded
	if original.Width > o.opts.MaxDimension || original.Height > o.opts.MaxDimension {
		resized = imaging.Fit(decoded, o.opts.MaxDimension, o.opts.MaxDimension, imaging.Lanczos)
	} else if _, ok := decoded.(*image.Paletted); ok {
		// Palette-indexed color does not encode to the lossy target; clone
		// promotes it to NRGBA which keeps transparency.
		resized = imaging.Clone(decoded)
	}

	encoded, quality, err := o.qualitySearch(resized, original.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", imgRef.Src, err)
	}

	if int64(len(encoded)) > o.opts.TargetSizeBytes {
		o.log.Warnf("Image %d still %d bytes at quality floor %d", imgRef.ID, len(encoded), quality)
	}

	bounds := resized.Bounds()
	optimized := statsFor(resized, int64(len(encoded)), "JPEG")
	optimized.Width = bounds.Dx()
	optimized.Height = bounds.Dy()

	return &OptimizationRecord{
		ImageID:   imgRef.ID,
		Original:  original,
		Optimized: optimized,
		Quality:   quality,
		Data:      encoded,
	}, nil
}

// qualitySearch encodes at decreasing quality until the result fits under
// the target size or the quality floor is reached. Originals already near
// the target are encoded once at the fixed quality.
func (o *DefaultOptimizer) qualitySearch(img image.Image, originalSize int64) ([]byte, int, error) {
	if originalSize < o.opts.TargetSizeBytes {
		encoded, err := encodeJPEG(img, o.opts.QualityFixed)
		return encoded, o.opts.QualityFixed, err
	}

	quality := o.opts.QualityStart
	encoded, err := encodeJPEG(img, quality)
	if err != nil {
		return nil, 0, err
	}

	for int64(len(encoded)) > o.opts.TargetSizeBytes && quality > o.opts.QualityFloor {
		quality -= o.opts.QualityStep
		if quality < o.opts.QualityFloor {
			quality = o.opts.QualityFloor
		}
		o.log.Debugf("Result %d bytes over target, re-encoding at quality %d", len(encoded), quality)
		encoded, err = encodeJPEG(img, quality)
		if err != nil {
			return nil, 0, err
		}
	}

	return encoded, quality, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fetch downloads the full image body.
func (o *DefaultOptimizer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// statsFor builds ImageStats for a decoded image, inferring channel layout
// and bit depth from the concrete pixel type.
func statsFor(img image.Image, sizeBytes int64, format string) ImageStats {
	bounds := img.Bounds()
	channels, bitDepth := pixelDescriptor(img)
	return ImageStats{
		SizeBytes: sizeBytes,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Format:    format,
		Channels:  channels,
		BitDepth:  bitDepth,
	}
}

func pixelDescriptor(img image.Image) (channels, bitDepth string) {
	switch img.(type) {
	case *image.Gray:
		return "1 (L)", "8-bit"
	case *image.Gray16:
		return "1 (L)", "16-bit"
	case *image.Paletted:
		return "1 (P)", "8-bit"
	case *image.YCbCr:
		return "3 (Y, Cb, Cr)", "8-bit"
	case *image.CMYK:
		return "4 (C, M, Y, K)", "8-bit"
	case *image.RGBA, *image.NRGBA:
		return "4 (R, G, B, A)", "8-bit"
	case *image.RGBA64, *image.NRGBA64:
		return "4 (R, G, B, A)", "16-bit"
	default:
		return "4 (R, G, B, A)", "8-bit"
	}
}
