package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/wwenrr/img-resize-report/internal/catalog"
	"github.com/wwenrr/img-resize-report/internal/config"
	"github.com/wwenrr/img-resize-report/internal/ledger"
	"github.com/wwenrr/img-resize-report/internal/probe"
	"github.com/wwenrr/img-resize-report/internal/report"
	"github.com/wwenrr/img-resize-report/internal/stats"
	"github.com/wwenrr/img-resize-report/internal/transcoder"
)

type fakeSource struct {
	chunks []catalog.Chunk
}

func (f *fakeSource) Stream(ctx context.Context) <-chan catalog.Chunk {
	out := make(chan catalog.Chunk)
	go func() {
		defer close(out)
		for _, c := range f.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// fakeProber orders samples largest-first from a fixed size table, the same
// contract the real prober provides.
type fakeProber struct {
	sizes map[int64]int64
}

func (f *fakeProber) Probe(_ context.Context, chunk catalog.Chunk) probe.PriorityList {
	var list probe.PriorityList
	for _, p := range chunk {
		for _, img := range p.Images {
			list = append(list, probe.SizeSample{
				ImageID:      img.ID,
				ProductID:    p.ID,
				ProductTitle: p.Title,
				ByteSize:     f.sizes[img.ID],
				RemoteURL:    img.Src,
			})
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].ByteSize > list[j].ByteSize })
	return list
}

type fakeOptimizer struct {
	optimized map[int64][]byte
	fail      map[int64]bool
	calls     []int64
}

func (f *fakeOptimizer) Optimize(_ context.Context, img catalog.Image) (*transcoder.OptimizationRecord, error) {
	f.calls = append(f.calls, img.ID)
	if f.fail[img.ID] {
		return nil, errors.New("encode failed")
	}
	data, ok := f.optimized[img.ID]
	if !ok {
		return nil, nil
	}
	return &transcoder.OptimizationRecord{
		ImageID:   img.ID,
		Original:  transcoder.ImageStats{SizeBytes: int64(len(data)) * 4, Format: "PNG"},
		Optimized: transcoder.ImageStats{SizeBytes: int64(len(data)), Format: "JPEG"},
		Quality:   40,
		Data:      data,
	}, nil
}

type fakeClient struct {
	products   map[int64]*catalog.Product
	getCalls   []int64
	failGet    map[int64]bool
	failDelete map[int64]bool
	deleted    []int64
	uploads    []catalog.ImageUpload
}

func (f *fakeClient) ListProducts(context.Context, int64, int) ([]catalog.Product, error) {
	return nil, errors.New("not used in tests")
}

func (f *fakeClient) GetProduct(_ context.Context, id int64) (*catalog.Product, error) {
	f.getCalls = append(f.getCalls, id)
	if f.failGet[id] {
		return nil, errors.New("gateway timeout")
	}
	p, ok := f.products[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return p, nil
}

func (f *fakeClient) DeleteImage(_ context.Context, _, imageID int64) error {
	if f.failDelete[imageID] {
		return errors.New("delete rejected")
	}
	f.deleted = append(f.deleted, imageID)
	return nil
}

func (f *fakeClient) CreateImage(_ context.Context, _ int64, upload catalog.ImageUpload) error {
	f.uploads = append(f.uploads, upload)
	return nil
}

type harness struct {
	client    *fakeClient
	prober    *fakeProber
	optimizer *fakeOptimizer
	ledger    *ledger.Ledger
	reports   *report.Store
	stats     *stats.Statistics
	log       *logrus.Logger
}

func newHarness(t *testing.T, dir string, products []catalog.Product, sizes map[int64]int64) *harness {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	byID := make(map[int64]*catalog.Product)
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	return &harness{
		client:    &fakeClient{products: byID, failGet: map[int64]bool{}, failDelete: map[int64]bool{}},
		prober:    &fakeProber{sizes: sizes},
		optimizer: &fakeOptimizer{optimized: map[int64][]byte{}, fail: map[int64]bool{}},
		ledger: ledger.New(
			filepath.Join(dir, "processed.json"),
			filepath.Join(dir, "skipped.json"),
			log,
		),
		reports: report.NewStore(filepath.Join(dir, "reports"), log),
		stats:   stats.NewStatistics(),
		log:     log,
	}
}

func (h *harness) controller(cfg config.PipelineConfig, chunks []catalog.Chunk, policy SyncPolicy) *Controller {
	return NewController(
		cfg,
		h.client,
		&fakeSource{chunks: chunks},
		h.prober,
		h.optimizer,
		h.ledger,
		h.reports,
		h.stats,
		h.log,
		"test-shop.example.com",
		policy,
		nil,
	)
}

// fiveProducts returns products 1..5, each with one image 10*id. Image 10 is
// large enough to yield an optimization; the rest are already small.
func fiveProducts() ([]catalog.Product, map[int64]int64) {
	products := []catalog.Product{
		{ID: 1, Title: "Alpha", Images: []catalog.Image{{ID: 10, Src: "https://cdn/1.png", Position: 1, Alt: "alpha"}}},
		{ID: 2, Title: "Beta", Images: []catalog.Image{{ID: 20, Src: "https://cdn/2.png", Position: 1}}},
		{ID: 3, Title: "Gamma", Images: []catalog.Image{{ID: 30, Src: "https://cdn/3.png", Position: 1}}},
		{ID: 4, Title: "Delta", Images: []catalog.Image{{ID: 40, Src: "https://cdn/4.png", Position: 1}}},
		{ID: 5, Title: "Epsilon", Images: []catalog.Image{{ID: 50, Src: "https://cdn/5.png", Position: 1}}},
	}
	sizes := map[int64]int64{10: 500000, 20: 90000, 30: 80000, 40: 70000, 50: 60000}
	return products, sizes
}

func chunkOf(products []catalog.Product) catalog.Chunk {
	return catalog.Chunk(products)
}

func TestRun_ProcessesWholeChunk(t *testing.T) {
	products, sizes := fiveProducts()
	h := newHarness(t, t.TempDir(), products, sizes)
	h.optimizer.optimized[10] = []byte("optimized-bytes")

	cfg := config.PipelineConfig{AbandonOnFirstSkip: false, ConsecutiveSkipLimit: 10}
	ctrl := h.controller(cfg, []catalog.Chunk{chunkOf(products)}, SyncNever)

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := len(h.client.getCalls); got != 5 {
		t.Fatalf("dispatched %d products, want all 5", got)
	}
	// Largest probe size first.
	if h.client.getCalls[0] != 1 {
		t.Fatalf("first dispatched product = %d, want 1", h.client.getCalls[0])
	}
	if h.stats.ProductsProcessed != 1 || h.stats.ProductsSkipped != 4 {
		t.Fatalf("processed=%d skipped=%d, want 1 and 4",
			h.stats.ProductsProcessed, h.stats.ProductsSkipped)
	}
	if !h.ledger.IsProcessed("1") {
		t.Fatal("product 1 should be in the processed set")
	}
	for _, id := range []string{"2", "3", "4", "5"} {
		if !h.ledger.IsHandled(id) || h.ledger.IsProcessed(id) {
			t.Fatalf("product %s should be in the skipped set", id)
		}
	}
	if !h.reports.Exists("1") {
		t.Fatal("expected a report file for product 1")
	}
}

func TestRun_FirstSkipAbandonsChunk(t *testing.T) {
	products, sizes := fiveProducts()
	h := newHarness(t, t.TempDir(), products, sizes)
	// Nothing to optimize anywhere: the first dispatch fully skips.

	cfg := config.PipelineConfig{AbandonOnFirstSkip: true, ConsecutiveSkipLimit: 10}
	ctrl := h.controller(cfg, []catalog.Chunk{chunkOf(products)}, SyncNever)

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := len(h.client.getCalls); got != 1 {
		t.Fatalf("dispatched %d products, want only the first", got)
	}
	if h.stats.ChunksAbandoned != 1 {
		t.Fatalf("chunks abandoned = %d, want 1", h.stats.ChunksAbandoned)
	}
	if !h.ledger.IsHandled("1") {
		t.Fatal("the skipped product should still be recorded before abandoning")
	}
	if h.ledger.IsHandled("2") {
		t.Fatal("undispatched products must stay out of the ledger")
	}
}

func TestRun_ConsecutiveSkipsAbandonChunk(t *testing.T) {
	products, sizes := fiveProducts()
	h := newHarness(t, t.TempDir(), products, sizes)
	h.optimizer.optimized[10] = []byte("optimized-bytes")

	cfg := config.PipelineConfig{AbandonOnFirstSkip: true, ConsecutiveSkipLimit: 3}
	ctrl := h.controller(cfg, []catalog.Chunk{chunkOf(products)}, SyncNever)

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Product 1 processed, then 2, 3, 4 skipped back to back. Product 5 is
	// never dispatched.
	if got := len(h.client.getCalls); got != 4 {
		t.Fatalf("dispatched %d products, want 4", got)
	}
	if h.stats.ChunksAbandoned != 1 {
		t.Fatalf("chunks abandoned = %d, want 1", h.stats.ChunksAbandoned)
	}
	if h.ledger.IsHandled("5") {
		t.Fatal("product 5 must stay unhandled for the next run")
	}
}

func TestRun_SecondRunDispatchesNothing(t *testing.T) {
	dir := t.TempDir()
	products, sizes := fiveProducts()
	cfg := config.PipelineConfig{AbandonOnFirstSkip: false, ConsecutiveSkipLimit: 10}

	h1 := newHarness(t, dir, products, sizes)
	h1.optimizer.optimized[10] = []byte("optimized-bytes")
	if err := h1.controller(cfg, []catalog.Chunk{chunkOf(products)}, SyncNever).Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}

	h2 := newHarness(t, dir, products, sizes)
	if err := h2.controller(cfg, []catalog.Chunk{chunkOf(products)}, SyncNever).Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if got := len(h2.client.getCalls); got != 0 {
		t.Fatalf("second run dispatched %d products, want 0", got)
	}
	if h2.stats.ChunksSkipped != 1 {
		t.Fatalf("chunks skipped = %d, want 1", h2.stats.ChunksSkipped)
	}
}

func TestRun_ResumesAfterPartialRun(t *testing.T) {
	dir := t.TempDir()
	products, sizes := fiveProducts()
	cfg := config.PipelineConfig{AbandonOnFirstSkip: false, ConsecutiveSkipLimit: 10}

	h := newHarness(t, dir, products, sizes)
	if err := h.ledger.Load(); err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	h.ledger.MarkProcessed("1")

	h2 := newHarness(t, dir, products, sizes)
	if err := h2.controller(cfg, []catalog.Chunk{chunkOf(products)}, SyncNever).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, id := range h2.client.getCalls {
		if id == 1 {
			t.Fatal("product 1 was already processed, must not be dispatched again")
		}
	}
	if got := len(h2.client.getCalls); got != 4 {
		t.Fatalf("dispatched %d products, want the 4 remaining", got)
	}
}

func TestRun_ReconcilesExistingReports(t *testing.T) {
	dir := t.TempDir()
	products, sizes := fiveProducts()

	h := newHarness(t, dir, products, sizes)
	if err := h.reports.Write(&report.ProductReport{ProductID: "2", ProductTitle: "Beta"}); err != nil {
		t.Fatalf("seed report: %v", err)
	}

	cfg := config.PipelineConfig{AbandonOnFirstSkip: false, ConsecutiveSkipLimit: 10}
	if err := h.controller(cfg, []catalog.Chunk{chunkOf(products)}, SyncNever).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, id := range h.client.getCalls {
		if id == 2 {
			t.Fatal("product with an existing report must not be dispatched")
		}
	}
	if h.stats.ProductsReconciled != 1 {
		t.Fatalf("reconciled = %d, want 1", h.stats.ProductsReconciled)
	}
	if !h.ledger.IsProcessed("2") {
		t.Fatal("reconciled product should be marked processed")
	}
}

func TestRun_SyncAlwaysReplacesImages(t *testing.T) {
	products, sizes := fiveProducts()
	h := newHarness(t, t.TempDir(), products, sizes)
	payload := []byte("optimized-bytes")
	h.optimizer.optimized[10] = payload

	cfg := config.PipelineConfig{AbandonOnFirstSkip: false, ConsecutiveSkipLimit: 10}
	if err := h.controller(cfg, []catalog.Chunk{chunkOf(products)}, SyncAlways).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(h.client.deleted) != 1 || h.client.deleted[0] != 10 {
		t.Fatalf("deleted images = %v, want [10]", h.client.deleted)
	}
	if len(h.client.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(h.client.uploads))
	}
	up := h.client.uploads[0]
	decoded, err := base64.StdEncoding.DecodeString(up.Attachment)
	if err != nil {
		t.Fatalf("attachment is not valid base64: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Fatalf("uploaded %q, want optimized payload", decoded)
	}
	if up.Position != 1 || up.Alt != "alpha" {
		t.Fatalf("upload position=%d alt=%q, want position and alt preserved", up.Position, up.Alt)
	}
	if h.stats.SyncSuccesses != 1 || h.stats.SyncFailures != 0 {
		t.Fatalf("sync successes=%d failures=%d, want 1 and 0",
			h.stats.SyncSuccesses, h.stats.SyncFailures)
	}
}

func TestRun_SyncFailureKeepsProductProcessed(t *testing.T) {
	products, sizes := fiveProducts()
	h := newHarness(t, t.TempDir(), products, sizes)
	h.optimizer.optimized[10] = []byte("optimized-bytes")
	h.client.failDelete[10] = true

	cfg := config.PipelineConfig{AbandonOnFirstSkip: false, ConsecutiveSkipLimit: 10}
	if err := h.controller(cfg, []catalog.Chunk{chunkOf(products)}, SyncAlways).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if h.stats.SyncFailures != 1 {
		t.Fatalf("sync failures = %d, want 1", h.stats.SyncFailures)
	}
	if len(h.client.uploads) != 0 {
		t.Fatal("no upload should follow a failed delete")
	}
	if !h.ledger.IsProcessed("1") {
		t.Fatal("report exists, product stays processed despite the sync failure")
	}
}

func TestRun_FetchErrorLeavesProductRetryable(t *testing.T) {
	products, sizes := fiveProducts()
	h := newHarness(t, t.TempDir(), products, sizes)
	h.optimizer.optimized[10] = []byte("optimized-bytes")
	h.client.failGet[1] = true

	cfg := config.PipelineConfig{AbandonOnFirstSkip: false, ConsecutiveSkipLimit: 10}
	if err := h.controller(cfg, []catalog.Chunk{chunkOf(products)}, SyncNever).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if h.ledger.IsHandled("1") {
		t.Fatal("a product that failed to fetch must stay out of the ledger")
	}
	// The rest of the chunk was still evaluated.
	if got := len(h.client.getCalls); got != 5 {
		t.Fatalf("dispatched %d products, want 5", got)
	}
}

func TestRun_EmitsPipelineEvents(t *testing.T) {
	products, sizes := fiveProducts()
	h := newHarness(t, t.TempDir(), products, sizes)
	h.optimizer.optimized[10] = []byte("optimized-bytes")

	cfg := config.PipelineConfig{AbandonOnFirstSkip: false, ConsecutiveSkipLimit: 10}
	ctrl := h.controller(cfg, []catalog.Chunk{chunkOf(products)}, SyncNever)

	var events []string
	ctrl.SetLogHook(func(event string, _ map[string]interface{}) {
		events = append(events, event)
	})

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	counts := make(map[string]int)
	for _, e := range events {
		counts[e]++
	}
	if counts["chunk_started"] != 1 {
		t.Fatalf("chunk_started events = %d, want 1", counts["chunk_started"])
	}
	if counts["product_done"] != 5 {
		t.Fatalf("product_done events = %d, want 5", counts["product_done"])
	}
	if counts["run_completed"] != 1 {
		t.Fatalf("run_completed events = %d, want 1", counts["run_completed"])
	}
}

func TestParseSyncPolicy(t *testing.T) {
	tests := []struct {
		in     string
		policy SyncPolicy
		ok     bool
	}{
		{"yes", SyncAlways, true},
		{"always", SyncAlways, true},
		{"no", SyncNever, true},
		{"never", SyncNever, true},
		{"ask", SyncAsk, true},
		{"maybe", SyncNever, false},
		{"", SyncNever, false},
	}
	for _, tt := range tests {
		policy, ok := ParseSyncPolicy(tt.in)
		if policy != tt.policy || ok != tt.ok {
			t.Fatalf("ParseSyncPolicy(%q) = (%v, %v), want (%v, %v)", tt.in, policy, ok, tt.policy, tt.ok)
		}
	}
}
