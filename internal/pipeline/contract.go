package pipeline

import (
	"context"

	"github.com/wwenrr/img-resize-report/internal/catalog"
	"github.com/wwenrr/img-resize-report/internal/probe"
	"github.com/wwenrr/img-resize-report/internal/report"
)

type chunkSource interface {
	Stream(ctx context.Context) <-chan catalog.Chunk
}

type sizeProber interface {
	Probe(ctx context.Context, chunk catalog.Chunk) probe.PriorityList
}

type reportStore interface {
	Exists(productID string) bool
	Write(r *report.ProductReport) error
	WriteIndex() (*report.Index, error)
}

// SyncPolicy controls whether optimized images are pushed back to the platform.
type SyncPolicy int

const (
	// SyncNever leaves the platform untouched.
	SyncNever SyncPolicy = iota
	// SyncAlways pushes every optimized product back without asking.
	SyncAlways
	// SyncAsk defers to the confirm callback per product.
	SyncAsk
)

// ParseSyncPolicy maps the CLI flag value to a policy.
func ParseSyncPolicy(s string) (SyncPolicy, bool) {
	switch s {
	case "yes", "always":
		return SyncAlways, true
	case "no", "never":
		return SyncNever, true
	case "ask":
		return SyncAsk, true
	}
	return SyncNever, false
}

// ConfirmFunc asks whether one product's optimized images should be synced.
type ConfirmFunc func(productID, productTitle string) bool

// LogHookFunc receives pipeline events for forwarding outside the logger,
// e.g. to the status server's websocket clients.
type LogHookFunc func(event string, fields map[string]interface{})
