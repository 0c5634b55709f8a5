package stats

import (
	"strings"
	"sync"
	"testing"
)

func TestBytesSaved(t *testing.T) {
	s := NewStatistics()
	s.AddBytes(300000, 90000)
	s.AddBytes(500000, 100000)

	if got := s.BytesSaved(); got != 610000 {
		t.Fatalf("bytes saved = %d, want 610000", got)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	s := NewStatistics()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.IncrementImagesOptimized()
			s.AddBytes(1000, 400)
		}()
	}
	wg.Wait()

	if s.ImagesOptimized != 50 {
		t.Fatalf("images optimized = %d, want 50", s.ImagesOptimized)
	}
	if got := s.BytesSaved(); got != 50*600 {
		t.Fatalf("bytes saved = %d, want %d", got, 50*600)
	}
}

func TestFinalizeSetsDuration(t *testing.T) {
	s := NewStatistics()
	s.Finalize()

	if s.EndTime.IsZero() {
		t.Fatal("EndTime should be set after Finalize")
	}
	if s.Duration < 0 {
		t.Fatalf("duration = %v, want non-negative", s.Duration)
	}
}

func TestGetSummaryContainsCounters(t *testing.T) {
	s := NewStatistics()
	s.IncrementChunksSeen()
	s.IncrementProductsProcessed()
	s.IncrementProductsSkipped()
	s.AddBytes(2*1024*1024, 1024*1024)
	s.Finalize()

	summary := s.GetSummary()
	for _, want := range []string{"Processed: 1", "Skipped: 1", "2.0 MB", "1.0 MB"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{150 * 1024, "150.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Fatalf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
