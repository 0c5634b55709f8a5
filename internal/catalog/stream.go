package catalog

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Source streams the catalog as chunks of products. Pagination uses the last
// fetched product id as a cursor, so the cursor is always recomputed from
// scratch on restart; resumability lives in the ledger, not here.
type Source struct {
	client          Client
	log             *logrus.Logger
	pageSize        int
	batchesPerChunk int
}

// NewSource returns a chunked stream source over the given client.
func NewSource(client Client, log *logrus.Logger, pageSize, batchesPerChunk int) *Source {
	if pageSize <= 0 {
		pageSize = 250
	}
	if batchesPerChunk <= 0 {
		batchesPerChunk = 1
	}
	return &Source{
		client:          client,
		log:             log,
		pageSize:        pageSize,
		batchesPerChunk: batchesPerChunk,
	}
}

// Stream lazily fetches pages and delivers accumulated chunks on the returned
// channel. The stream ends when a page comes back short or empty. A page fetch
// failure logs, discards whatever was accumulated for the current chunk and
// ends the stream early; it never surfaces to the consumer.
func (s *Source) Stream(ctx context.Context) <-chan Chunk {
	out := make(chan Chunk)

	go func() {
		defer close(out)

		var (
			chunk        Chunk
			sinceID      int64
			batchCount   int
			totalFetched int
		)

		for {
			select {
			case <-ctx.Done():
				s.log.Infof("Catalog stream cancelled after %d products", totalFetched)
				return
			default:
			}

			batch, err := s.client.ListProducts(ctx, sinceID, s.pageSize)
			if err != nil {
				s.log.WithFields(logrus.Fields{
					"since_id": sinceID,
					"batch":    batchCount,
				}).Errorf("Page fetch failed, terminating stream: %v", err)
				return
			}

			if len(batch) == 0 {
				break
			}

			batchCount++
			chunk = append(chunk, batch...)
			sinceID = batch[len(batch)-1].ID
			totalFetched += len(batch)

			s.log.Debugf("Fetched batch %d (%d products, total %d)", batchCount, len(batch), totalFetched)

			if batchCount%s.batchesPerChunk == 0 {
				if !deliver(ctx, out, chunk) {
					return
				}
				chunk = nil
			}

			if len(batch) < s.pageSize {
				break
			}
		}

		if len(chunk) > 0 {
			if !deliver(ctx, out, chunk) {
				return
			}
		}

		s.log.Infof("Catalog stream complete: %d products in %d batches", totalFetched, batchCount)
	}()

	return out
}

func deliver(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
