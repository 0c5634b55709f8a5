// Package pipeline implements the rolling batch controller: it pulls chunks
// from the catalog stream, filters them against the ledger, probes image
// sizes, and dispatches products in priority order with early abandonment.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/wwenrr/img-resize-report/internal/catalog"
	"github.com/wwenrr/img-resize-report/internal/config"
	"github.com/wwenrr/img-resize-report/internal/ledger"
	"github.com/wwenrr/img-resize-report/internal/logger"
	"github.com/wwenrr/img-resize-report/internal/report"
	"github.com/wwenrr/img-resize-report/internal/stats"
	"github.com/wwenrr/img-resize-report/internal/transcoder"
)

// productOutcome is the result of dispatching one product.
type productOutcome int

const (
	outcomeProcessed productOutcome = iota // at least one image was optimized
	outcomeSkipped                         // every image was below threshold
	outcomeError                           // the product could not be evaluated
)

// Controller orchestrates one optimization run.
type Controller struct {
	cfg       config.PipelineConfig
	client    catalog.Client
	source    chunkSource
	prober    sizeProber
	optimizer transcoder.Optimizer
	ledger    *ledger.Ledger
	reports   reportStore
	stats     *stats.Statistics
	log       *logrus.Logger

	shopURL    string
	syncPolicy SyncPolicy
	confirm    ConfirmFunc
	logHook    LogHookFunc
}

// NewController returns a Controller wired to its collaborators.
func NewController(
	cfg config.PipelineConfig,
	client catalog.Client,
	source chunkSource,
	prober sizeProber,
	optimizer transcoder.Optimizer,
	lgr *ledger.Ledger,
	reports reportStore,
	st *stats.Statistics,
	log *logrus.Logger,
	shopURL string,
	syncPolicy SyncPolicy,
	confirm ConfirmFunc,
) *Controller {
	return &Controller{
		cfg:        cfg,
		client:     client,
		source:     source,
		prober:     prober,
		optimizer:  optimizer,
		ledger:     lgr,
		reports:    reports,
		stats:      st,
		log:        log,
		shopURL:    shopURL,
		syncPolicy: syncPolicy,
		confirm:    confirm,
	}
}

// SetLogHook installs a hook that receives pipeline events. Must be called
// before Run.
func (c *Controller) SetLogHook(hook LogHookFunc) {
	c.logHook = hook
}

func (c *Controller) emit(event string, fields map[string]interface{}) {
	if c.logHook != nil {
		c.logHook(event, fields)
	}
}

// Run consumes the catalog stream to completion or cancellation. Errors at
// image and product granularity are absorbed; only stream exhaustion or
// context cancellation ends the run.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.ledger.Load(); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	chunkIndex := 0
	for chunk := range c.source.Stream(ctx) {
		chunkIndex++
		c.stats.IncrementChunksSeen()
		c.processChunk(ctx, chunkIndex, chunk)

		select {
		case <-ctx.Done():
			c.stats.Finalize()
			return ctx.Err()
		default:
		}
	}

	c.stats.Finalize()
	c.log.Infof("Run complete: %d products processed, %d skipped, %s saved",
		c.stats.ProductsProcessed, c.stats.ProductsSkipped, stats.FormatBytes(c.stats.BytesSaved()))
	c.emit("run_completed", map[string]interface{}{"summary": c.stats.GetSummary()})
	return nil
}

// processChunk walks one chunk through filter, probe and iterate phases.
func (c *Controller) processChunk(ctx context.Context, chunkIndex int, chunk catalog.Chunk) {
	log := logger.WithChunk(c.log, chunkIndex)
	log.Infof("Processing chunk with %d products", len(chunk))
	c.emit("chunk_started", map[string]interface{}{"chunk": chunkIndex, "products": len(chunk)})

	// FETCHED -> FILTERED: drop the chunk when every product is already known.
	unhandled := 0
	for _, p := range chunk {
		if !c.ledger.IsHandled(catalog.ProductIDString(p.ID)) {
			unhandled++
		}
	}
	if unhandled == 0 {
		log.Infof("All %d products already handled, skipping chunk", len(chunk))
		c.stats.IncrementChunksSkipped()
		return
	}
	log.Infof("%d unhandled products in chunk", unhandled)

	// FILTERED -> PROBED
	priorityList := c.prober.Probe(ctx, chunk)
	if len(priorityList) == 0 {
		log.Info("No images in chunk")
		return
	}
	c.stats.AddImagesProbed(int64(len(priorityList)))
	for _, s := range priorityList {
		if s.ByteSize == 0 {
			c.stats.IncrementProbeFailures()
		}
	}

	// PROBED -> ITERATING
	handledInChunk := make(map[string]struct{})
	dispatched := 0
	consecutiveSkips := 0

	for idx, sample := range priorityList {
		select {
		case <-ctx.Done():
			return
		default:
		}

		productID := catalog.ProductIDString(sample.ProductID)

		if _, ok := handledInChunk[productID]; ok {
			continue
		}
		if c.ledger.IsHandled(productID) {
			handledInChunk[productID] = struct{}{}
			continue
		}
		if c.reports.Exists(productID) {
			log.Infof("Product %s already has a report, reconciling", productID)
			c.ledger.MarkProcessed(productID)
			c.stats.IncrementProductsReconciled()
			handledInChunk[productID] = struct{}{}
			continue
		}

		log.WithFields(logrus.Fields{
			"product_id": productID,
			"priority":   fmt.Sprintf("%d/%d", idx+1, len(priorityList)),
			"probe_size": sample.ByteSize,
		}).Infof("Dispatching product: %s", sample.ProductTitle)

		outcome := c.processProduct(ctx, sample.ProductID)
		c.stats.IncrementProductsDispatched()
		handledInChunk[productID] = struct{}{}

		switch outcome {
		case outcomeSkipped:
			c.ledger.MarkSkipped(productID)
			c.stats.IncrementProductsSkipped()
			consecutiveSkips++

			// The list is largest-first: if the very first dispatched product
			// had nothing to do, everything after it is expected smaller.
			if dispatched == 0 && c.cfg.AbandonOnFirstSkip {
				log.Info("First dispatched product fully skipped, abandoning chunk")
				c.stats.IncrementChunksAbandoned()
				c.emit("chunk_abandoned", map[string]interface{}{"chunk": chunkIndex, "reason": "first_skip"})
				return
			}
			if consecutiveSkips >= c.cfg.ConsecutiveSkipLimit {
				log.Infof("%d consecutive products skipped, abandoning chunk", consecutiveSkips)
				c.stats.IncrementChunksAbandoned()
				c.emit("chunk_abandoned", map[string]interface{}{"chunk": chunkIndex, "reason": "consecutive_skips"})
				return
			}

		case outcomeProcessed:
			c.ledger.MarkProcessed(productID)
			c.stats.IncrementProductsProcessed()
			consecutiveSkips = 0

			if _, err := c.reports.WriteIndex(); err != nil {
				log.Warnf("Could not refresh report index: %v", err)
			}

		case outcomeError:
			// The product was not evaluated; leave the ledger alone so a
			// later run retries it, and keep the skip counter as is.
		}

		dispatched++
		c.emit("product_done", map[string]interface{}{
			"product_id": productID,
			"outcome":    outcomeName(outcome),
		})
	}

	// ITERATING -> EXHAUSTED
	log.Infof("Chunk exhausted after %d dispatched products", dispatched)
}

func outcomeName(o productOutcome) string {
	switch o {
	case outcomeProcessed:
		return "processed"
	case outcomeSkipped:
		return "skipped"
	default:
		return "error"
	}
}

// processProduct fetches a fresh product snapshot and optimizes every image.
func (c *Controller) processProduct(ctx context.Context, productID int64) productOutcome {
	product, err := c.client.GetProduct(ctx, productID)
	if err != nil {
		c.log.Errorf("Could not fetch product %d: %v", productID, err)
		return outcomeError
	}

	var records []*transcoder.OptimizationRecord
	for _, img := range product.Images {
		rec, err := c.optimizer.Optimize(ctx, img)
		if err != nil {
			logger.WithImage(c.log, img.ID, img.Src).
				WithField("product_id", product.ID).
				Errorf("Image optimization failed: %v", err)
			c.stats.IncrementImagesFailed()
			continue
		}
		if rec == nil {
			c.stats.IncrementImagesSkipped()
			continue
		}
		c.stats.IncrementImagesOptimized()
		c.stats.AddBytes(rec.Original.SizeBytes, rec.Optimized.SizeBytes)
		c.log.Debugf("Image %d re-encoded at quality %d, saved %d bytes",
			rec.ImageID, rec.Quality, rec.SavedBytes())
		records = append(records, rec)
	}

	if len(records) == 0 {
		return outcomeSkipped
	}

	idStr := catalog.ProductIDString(product.ID)
	if err := c.reports.Write(&report.ProductReport{
		ProductID:    idStr,
		ProductTitle: product.Title,
		ShopURL:      c.shopURL,
		Records:      records,
	}); err != nil {
		c.log.Errorf("Could not write report for product %s: %v", idStr, err)
	}

	if c.shouldSync(idStr, product.Title) {
		c.syncProduct(ctx, product, records)
	}

	return outcomeProcessed
}

func (c *Controller) shouldSync(productID, title string) bool {
	switch c.syncPolicy {
	case SyncAlways:
		return true
	case SyncAsk:
		return c.confirm != nil && c.confirm(productID, title)
	default:
		return false
	}
}

// syncProduct replaces each optimized image on the platform: delete the old
// resource, upload the new bytes preserving position and alt text. A failed
// image counts and is skipped; the product stays processed regardless.
func (c *Controller) syncProduct(ctx context.Context, product *catalog.Product, records []*transcoder.OptimizationRecord) {
	log := logger.WithProduct(c.log, catalog.ProductIDString(product.ID))
	log.Infof("Syncing %d optimized images", len(records))

	for _, rec := range records {
		var target *catalog.Image
		for i := range product.Images {
			if product.Images[i].ID == rec.ImageID {
				target = &product.Images[i]
				break
			}
		}
		if target == nil {
			log.Errorf("Image %d not found in product, cannot sync", rec.ImageID)
			c.stats.IncrementSyncFailures()
			continue
		}

		if err := c.client.DeleteImage(ctx, product.ID, target.ID); err != nil {
			log.Errorf("Could not delete image %d: %v", target.ID, err)
			c.stats.IncrementSyncFailures()
			continue
		}

		upload := catalog.ImageUpload{
			Attachment: base64.StdEncoding.EncodeToString(rec.Data),
			Position:   target.Position,
			Alt:        target.Alt,
		}
		if err := c.client.CreateImage(ctx, product.ID, upload); err != nil {
			log.Errorf("Could not upload optimized image %d: %v", target.ID, err)
			c.stats.IncrementSyncFailures()
			continue
		}

		log.Debugf("Synced image %d at position %d", target.ID, target.Position)
		c.stats.IncrementSyncSuccesses()
	}
}
