package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics contains all counters for one optimization run.
type Statistics struct {
	ChunksSeen      int64
	ChunksAbandoned int64
	ChunksSkipped   int64

	ProductsDispatched int64
	ProductsProcessed  int64
	ProductsSkipped    int64
	ProductsReconciled int64

	ImagesProbed    int64
	ProbeFailures   int64
	ImagesOptimized int64
	ImagesSkipped   int64
	ImagesFailed    int64

	BytesBefore int64
	BytesAfter  int64

	SyncSuccesses int64
	SyncFailures  int64

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	mutex sync.RWMutex
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{StartTime: time.Now()}
}

// IncrementChunksSeen increases the count of chunks pulled from the stream by 1.
func (s *Statistics) IncrementChunksSeen() {
	atomic.AddInt64(&s.ChunksSeen, 1)
}

// IncrementChunksAbandoned increases the count of early-abandoned chunks by 1.
func (s *Statistics) IncrementChunksAbandoned() {
	atomic.AddInt64(&s.ChunksAbandoned, 1)
}

// IncrementChunksSkipped increases the count of chunks with zero unhandled products by 1.
func (s *Statistics) IncrementChunksSkipped() {
	atomic.AddInt64(&s.ChunksSkipped, 1)
}

// IncrementProductsDispatched increases the count of products sent to full processing by 1.
func (s *Statistics) IncrementProductsDispatched() {
	atomic.AddInt64(&s.ProductsDispatched, 1)
}

// IncrementProductsProcessed increases the count of optimized products by 1.
func (s *Statistics) IncrementProductsProcessed() {
	atomic.AddInt64(&s.ProductsProcessed, 1)
}

// IncrementProductsSkipped increases the count of fully skipped products by 1.
func (s *Statistics) IncrementProductsSkipped() {
	atomic.AddInt64(&s.ProductsSkipped, 1)
}

// IncrementProductsReconciled increases the count of products recognized via
// a prior-run report artifact by 1.
func (s *Statistics) IncrementProductsReconciled() {
	atomic.AddInt64(&s.ProductsReconciled, 1)
}

// AddImagesProbed adds to the count of size-probed images.
func (s *Statistics) AddImagesProbed(n int64) {
	atomic.AddInt64(&s.ImagesProbed, n)
}

// IncrementProbeFailures increases the count of failed size probes by 1.
func (s *Statistics) IncrementProbeFailures() {
	atomic.AddInt64(&s.ProbeFailures, 1)
}

// IncrementImagesOptimized increases the count of transcoded images by 1.
func (s *Statistics) IncrementImagesOptimized() {
	atomic.AddInt64(&s.ImagesOptimized, 1)
}

// IncrementImagesSkipped increases the count of below-threshold images by 1.
func (s *Statistics) IncrementImagesSkipped() {
	atomic.AddInt64(&s.ImagesSkipped, 1)
}

// IncrementImagesFailed increases the count of images that could not be optimized by 1.
func (s *Statistics) IncrementImagesFailed() {
	atomic.AddInt64(&s.ImagesFailed, 1)
}

// AddBytes records one image's before and after sizes.
func (s *Statistics) AddBytes(before, after int64) {
	atomic.AddInt64(&s.BytesBefore, before)
	atomic.AddInt64(&s.BytesAfter, after)
}

// IncrementSyncSuccesses increases the count of images synced back by 1.
func (s *Statistics) IncrementSyncSuccesses() {
	atomic.AddInt64(&s.SyncSuccesses, 1)
}

// IncrementSyncFailures increases the count of failed sync attempts by 1.
func (s *Statistics) IncrementSyncFailures() {
	atomic.AddInt64(&s.SyncFailures, 1)
}

// Finalize calculates the run duration.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// BytesSaved returns the total bytes removed by optimization so far.
func (s *Statistics) BytesSaved() int64 {
	return atomic.LoadInt64(&s.BytesBefore) - atomic.LoadInt64(&s.BytesAfter)
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	duration := s.Duration
	s.mutex.RUnlock()

	return fmt.Sprintf(`Image Optimization Summary:

Chunks:
		Seen: %d
		Fully Known (skipped): %d
		Abandoned Early: %d

Products:
		Dispatched: %d
		Processed: %d
		Skipped: %d
		Reconciled From Reports: %d

Images:
		Probed: %d
		Probe Failures: %d
		Optimized: %d
		Below Threshold: %d
		Failed: %d

Savings:
		Bytes Before: %s
		Bytes After: %s
		Bytes Saved: %s

Sync:
		Succeeded: %d
		Failed: %d

Duration: %v`,
		atomic.LoadInt64(&s.ChunksSeen),
		atomic.LoadInt64(&s.ChunksSkipped),
		atomic.LoadInt64(&s.ChunksAbandoned),
		atomic.LoadInt64(&s.ProductsDispatched),
		atomic.LoadInt64(&s.ProductsProcessed),
		atomic.LoadInt64(&s.ProductsSkipped),
		atomic.LoadInt64(&s.ProductsReconciled),
		atomic.LoadInt64(&s.ImagesProbed),
		atomic.LoadInt64(&s.ProbeFailures),
		atomic.LoadInt64(&s.ImagesOptimized),
		atomic.LoadInt64(&s.ImagesSkipped),
		atomic.LoadInt64(&s.ImagesFailed),
		FormatBytes(atomic.LoadInt64(&s.BytesBefore)),
		FormatBytes(atomic.LoadInt64(&s.BytesAfter)),
		FormatBytes(s.BytesSaved()),
		atomic.LoadInt64(&s.SyncSuccesses),
		atomic.LoadInt64(&s.SyncFailures),
		duration)
}

// FormatBytes returns a human-readable string for a byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
