// Package ledger tracks which products have already been handled, making the
// pipeline resumable across restarts.
package ledger

import (
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/wwenrr/img-resize-report/internal/fsio"
)

// Ledger holds two disjoint, append-only sets of product ids: products that
// were optimized (processed) and products whose images were all below the
// size threshold (skipped). Every mutation is flushed to disk before the
// next unit of work starts.
type Ledger struct {
	processedFile string
	skippedFile   string
	log           *logrus.Logger

	processed map[string]struct{}
	skipped   map[string]struct{}
}

// New returns an empty ledger backed by the two given files.
func New(processedFile, skippedFile string, log *logrus.Logger) *Ledger {
	return &Ledger{
		processedFile: processedFile,
		skippedFile:   skippedFile,
		log:           log,
		processed:     make(map[string]struct{}),
		skipped:       make(map[string]struct{}),
	}
}

// Load reads both sets from disk. Missing files leave the sets empty; a
// corrupt file is logged and ignored so a damaged cache never blocks a run.
func (l *Ledger) Load() error {
	l.processed = loadSet(l.processedFile, l.log)
	l.skipped = loadSet(l.skippedFile, l.log)
	l.log.Infof("Ledger loaded: %d processed, %d skipped", len(l.processed), len(l.skipped))
	return nil
}

func loadSet(path string, log *logrus.Logger) map[string]struct{} {
	set := make(map[string]struct{})
	var ids []string
	if err := fsio.ReadJSON(path, &ids); err != nil {
		if !os.IsNotExist(err) {
			log.Errorf("Could not load ledger file %s: %v", path, err)
		}
		return set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// IsHandled reports whether the product id is in either set.
func (l *Ledger) IsHandled(productID string) bool {
	if _, ok := l.processed[productID]; ok {
		return true
	}
	_, ok := l.skipped[productID]
	return ok
}

// IsProcessed reports whether the product was fully optimized.
func (l *Ledger) IsProcessed(productID string) bool {
	_, ok := l.processed[productID]
	return ok
}

// MarkProcessed records the product as optimized and flushes immediately.
// A flush failure is logged; the in-memory state stays authoritative for the
// rest of the run, losing durability for at most this one mutation.
func (l *Ledger) MarkProcessed(productID string) {
	if _, ok := l.skipped[productID]; ok {
		// Disjointness: a product is never in both sets.
		l.log.Warnf("Product %s already marked skipped, not marking processed", productID)
		return
	}
	if _, ok := l.processed[productID]; ok {
		return
	}
	l.processed[productID] = struct{}{}
	if err := flushSet(l.processedFile, l.processed); err != nil {
		l.log.Errorf("Could not persist processed set: %v", err)
	}
}

// MarkSkipped records the product as fully below threshold and flushes
// immediately, with the same durability semantics as MarkProcessed.
func (l *Ledger) MarkSkipped(productID string) {
	if _, ok := l.processed[productID]; ok {
		l.log.Warnf("Product %s already marked processed, not marking skipped", productID)
		return
	}
	if _, ok := l.skipped[productID]; ok {
		return
	}
	l.skipped[productID] = struct{}{}
	if err := flushSet(l.skippedFile, l.skipped); err != nil {
		l.log.Errorf("Could not persist skipped set: %v", err)
	}
}

// flushSet rewrites the whole id array atomically.
func flushSet(path string, set map[string]struct{}) error {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if err := fsio.WriteJSON(path, ids); err != nil {
		return fmt.Errorf("flush ledger set: %w", err)
	}
	return nil
}

// ProcessedCount returns the number of processed product ids.
func (l *Ledger) ProcessedCount() int {
	return len(l.processed)
}

// SkippedCount returns the number of skipped product ids.
func (l *Ledger) SkippedCount() int {
	return len(l.skipped)
}
