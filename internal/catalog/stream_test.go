package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
)

// pagedClient serves a fixed product list through the paging contract.
type pagedClient struct {
	products  []Product
	failAfter int // fail the nth ListProducts call (1-based), 0 disables
	calls     int
	cursors   []int64
}

func (c *pagedClient) ListProducts(ctx context.Context, sinceID int64, limit int) ([]Product, error) {
	c.calls++
	c.cursors = append(c.cursors, sinceID)
	if c.failAfter > 0 && c.calls >= c.failAfter {
		return nil, errors.New("boom")
	}
	var page []Product
	for _, p := range c.products {
		if p.ID > sinceID {
			page = append(page, p)
			if len(page) == limit {
				break
			}
		}
	}
	return page, nil
}

func (c *pagedClient) GetProduct(ctx context.Context, id int64) (*Product, error) {
	for _, p := range c.products {
		if p.ID == id {
			prod := p
			return &prod, nil
		}
	}
	return nil, fmt.Errorf("product %d not found", id)
}

func (c *pagedClient) DeleteImage(ctx context.Context, productID, imageID int64) error { return nil }

func (c *pagedClient) CreateImage(ctx context.Context, productID int64, upload ImageUpload) error {
	return nil
}

func makeProducts(n int) []Product {
	products := make([]Product, n)
	for i := range products {
		products[i] = Product{ID: int64(i + 1), Title: fmt.Sprintf("Product %d", i+1)}
	}
	return products
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func collect(ch <-chan Chunk) []Chunk {
	var chunks []Chunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	return chunks
}

func TestStream_ChunksAccumulateBatches(t *testing.T) {
	client := &pagedClient{products: makeProducts(25)}
	source := NewSource(client, quietLogger(), 10, 2)

	chunks := collect(source.Stream(context.Background()))

	// 25 products at page size 10: pages of 10, 10, 5. Two pages per chunk
	// gives one full chunk of 20 and a final partial chunk of 5.
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if len(chunks[0]) != 20 {
		t.Fatalf("first chunk has %d products, want 20", len(chunks[0]))
	}
	if len(chunks[1]) != 5 {
		t.Fatalf("final chunk has %d products, want 5", len(chunks[1]))
	}
}

func TestStream_CursorAdvancesByLastID(t *testing.T) {
	client := &pagedClient{products: makeProducts(25)}
	source := NewSource(client, quietLogger(), 10, 1)

	collect(source.Stream(context.Background()))

	want := []int64{0, 10, 20}
	if len(client.cursors) != len(want) {
		t.Fatalf("got %d page calls (%v), want %d", len(client.cursors), client.cursors, len(want))
	}
	for i, cursor := range want {
		if client.cursors[i] != cursor {
			t.Fatalf("call %d used cursor %d, want %d", i, client.cursors[i], cursor)
		}
	}
}

func TestStream_TerminatesOnShortPage(t *testing.T) {
	client := &pagedClient{products: makeProducts(7)}
	source := NewSource(client, quietLogger(), 10, 1)

	chunks := collect(source.Stream(context.Background()))

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if client.calls != 1 {
		t.Fatalf("made %d page calls, want 1 (short page ends the stream)", client.calls)
	}
}

func TestStream_EmptyCatalog(t *testing.T) {
	client := &pagedClient{}
	source := NewSource(client, quietLogger(), 10, 1)

	chunks := collect(source.Stream(context.Background()))
	if len(chunks) != 0 {
		t.Fatalf("got %d chunks from empty catalog, want 0", len(chunks))
	}
}

func TestStream_PageErrorDiscardsPartialChunk(t *testing.T) {
	// Two full pages fit in one chunk of three batches; the failure on the
	// second call must discard the accumulated page, not emit a short chunk.
	client := &pagedClient{products: makeProducts(30), failAfter: 2}
	source := NewSource(client, quietLogger(), 10, 3)

	chunks := collect(source.Stream(context.Background()))
	if len(chunks) != 0 {
		t.Fatalf("got %d chunks after mid-chunk failure, want 0", len(chunks))
	}
}

func TestStream_CancelStopsStream(t *testing.T) {
	client := &pagedClient{products: makeProducts(100)}
	source := NewSource(client, quietLogger(), 10, 1)

	ctx, cancel := context.WithCancel(context.Background())
	ch := source.Stream(ctx)

	if _, ok := <-ch; !ok {
		t.Fatal("expected at least one chunk before cancel")
	}
	cancel()

	for range ch {
	}
	// Reaching here means the channel closed after cancellation.
}
