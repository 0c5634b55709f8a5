package probe

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wwenrr/img-resize-report/internal/catalog"
)

// SizeSample is one probed image size. ByteSize is 0 when the probe failed,
// which demotes the image to the small partition instead of failing the chunk.
type SizeSample struct {
	ImageID      int64
	ProductID    int64
	ProductTitle string
	ByteSize     int64
	RemoteURL    string
}

// PriorityList orders a chunk's images for dispatch: samples above the large
// threshold first, sorted by size descending, then the rest in arrival order.
type PriorityList []SizeSample

// Prober estimates remote image sizes with cheap metadata requests.
type Prober struct {
	log            *logrus.Logger
	workers        int
	timeout        time.Duration
	largeThreshold int64
	httpClient     *http.Client
}

// New returns a Prober with a fixed concurrency limit.
func New(log *logrus.Logger, workers int, timeout time.Duration, largeThreshold int64) *Prober {
	if workers <= 0 {
		workers = 5
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		log:            log,
		workers:        workers,
		timeout:        timeout,
		largeThreshold: largeThreshold,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

// Probe collects every image across the chunk, fetches each one's size
// concurrently and returns the partitioned priority list. Result ordering is
// deterministic regardless of which probes finish first.
func (p *Prober) Probe(ctx context.Context, chunk catalog.Chunk) PriorityList {
	samples := collectSamples(chunk)
	if len(samples) == 0 {
		return nil
	}

	p.log.Infof("Probing %d images with %d workers", len(samples), p.workers)

	type job struct {
		index int
		url   string
	}
	type result struct {
		index int
		size  int64
	}

	jobs := make(chan job, len(samples))
	results := make(chan result, len(samples))

	var wg sync.WaitGroup
	wg.Add(p.workers)
	for w := 0; w < p.workers; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case <-ctx.Done():
					results <- result{index: j.index, size: 0}
					continue
				default:
				}
				results <- result{index: j.index, size: p.headSize(ctx, j.url)}
			}
		}()
	}

	for i, s := range samples {
		jobs <- job{index: i, url: s.RemoteURL}
	}
	close(jobs)

	wg.Wait()
	close(results)

	for r := range results {
		samples[r.index].ByteSize = r.size
	}

	return p.partition(samples)
}

// headSize fetches the remote byte size without downloading the body.
func (p *Prober) headSize(ctx context.Context, rawURL string) int64 {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		p.log.Debugf("Probe request build failed for %s: %v", rawURL, err)
		return 0
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.log.Debugf("Probe failed for %s: %v", rawURL, err)
		return 0
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.log.Debugf("Probe for %s returned status %d", rawURL, resp.StatusCode)
		return 0
	}
	if resp.ContentLength < 0 {
		return 0
	}
	return resp.ContentLength
}

// IsLarge reports whether a probed size lands in the large partition. An
// exactly-threshold size does not.
func (p *Prober) IsLarge(byteSize int64) bool {
	return byteSize > p.largeThreshold
}

// partition splits samples at the large threshold and sorts the large side
// descending. The small side keeps arrival order.
func (p *Prober) partition(samples []SizeSample) PriorityList {
	var large, small []SizeSample
	for _, s := range samples {
		if p.IsLarge(s.ByteSize) {
			large = append(large, s)
		} else {
			small = append(small, s)
		}
	}

	sort.SliceStable(large, func(i, j int) bool {
		return large[i].ByteSize > large[j].ByteSize
	})

	p.log.Infof("Probe complete: %d images above %d bytes, %d below", len(large), p.largeThreshold, len(small))

	return PriorityList(append(large, small...))
}

// collectSamples flattens a chunk into one sample per image, in catalog order.
func collectSamples(chunk catalog.Chunk) []SizeSample {
	var samples []SizeSample
	for _, product := range chunk {
		for _, img := range product.Images {
			samples = append(samples, SizeSample{
				ImageID:      img.ID,
				ProductID:    product.ID,
				ProductTitle: product.Title,
				RemoteURL:    img.Src,
			})
		}
	}
	return samples
}
