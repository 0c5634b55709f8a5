// Package report writes the per-product completion artifacts. A report file's
// existence doubles as a durable "this product is done" marker that the
// pipeline consults alongside the ledger.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wwenrr/img-resize-report/internal/fsio"
	"github.com/wwenrr/img-resize-report/internal/transcoder"
)

// ProductReport is the artifact written for one optimized product.
type ProductReport struct {
	ProductID    string                           `json:"product_id"`
	ProductTitle string                           `json:"product_title"`
	ShopURL      string                           `json:"shop_url"`
	GeneratedAt  time.Time                        `json:"generated_at"`
	Records      []*transcoder.OptimizationRecord `json:"records"`
}

// IndexEntry summarizes one report for the index.
type IndexEntry struct {
	ProductID    string `json:"product_id"`
	ProductTitle string `json:"product_title"`
	Images       int    `json:"images"`
	BytesBefore  int64  `json:"bytes_before"`
	BytesAfter   int64  `json:"bytes_after"`
	BytesSaved   int64  `json:"bytes_saved"`
}

// Index aggregates every report in the store.
type Index struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Products    int          `json:"products"`
	BytesSaved  int64        `json:"bytes_saved"`
	Entries     []IndexEntry `json:"entries"`
}

// Store keeps report artifacts in a single directory.
type Store struct {
	dir string
	log *logrus.Logger
}

// NewStore returns a report store rooted at dir.
func NewStore(dir string, log *logrus.Logger) *Store {
	return &Store{dir: dir, log: log}
}

func (s *Store) path(productID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("report-%s.json", productID))
}

// Exists reports whether a completed report artifact exists for the product.
func (s *Store) Exists(productID string) bool {
	info, err := os.Stat(s.path(productID))
	return err == nil && !info.IsDir()
}

// Write persists the product report atomically.
func (s *Store) Write(r *ProductReport) error {
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now()
	}
	if err := fsio.WriteJSON(s.path(r.ProductID), r); err != nil {
		return fmt.Errorf("write report for product %s: %w", r.ProductID, err)
	}
	return nil
}

// WriteIndex scans every report in the store and rewrites the index summary.
func (s *Store) WriteIndex() (*Index, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{GeneratedAt: time.Now()}, nil
		}
		return nil, fmt.Errorf("read report dir: %w", err)
	}

	index := &Index{GeneratedAt: time.Now()}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "report-") || !strings.HasSuffix(name, ".json") {
			continue
		}

		var r ProductReport
		if err := fsio.ReadJSON(filepath.Join(s.dir, name), &r); err != nil {
			s.log.Warnf("Skipping unreadable report %s: %v", name, err)
			continue
		}

		ie := IndexEntry{
			ProductID:    r.ProductID,
			ProductTitle: r.ProductTitle,
			Images:       len(r.Records),
		}
		for _, rec := range r.Records {
			ie.BytesBefore += rec.Original.SizeBytes
			ie.BytesAfter += rec.Optimized.SizeBytes
		}
		ie.BytesSaved = ie.BytesBefore - ie.BytesAfter

		index.Entries = append(index.Entries, ie)
		index.BytesSaved += ie.BytesSaved
	}

	sort.Slice(index.Entries, func(i, j int) bool {
		return index.Entries[i].BytesSaved > index.Entries[j].BytesSaved
	})
	index.Products = len(index.Entries)

	if err := fsio.WriteJSON(filepath.Join(s.dir, "index.json"), index); err != nil {
		return nil, fmt.Errorf("write report index: %w", err)
	}
	return index, nil
}
