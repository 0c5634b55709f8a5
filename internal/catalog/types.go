package catalog

import "strconv"

// Product is an immutable snapshot of one catalog product and its images.
type Product struct {
	ID     int64   `json:"id"`
	Title  string  `json:"title"`
	Images []Image `json:"images"`
}

// Image is one remote product image reference.
type Image struct {
	ID       int64  `json:"id"`
	Src      string `json:"src"`
	Position int    `json:"position"`
	Alt      string `json:"alt,omitempty"`
}

// ImageUpload carries the payload for replacing a product image.
// Position and Alt preserve the metadata of the image being replaced.
type ImageUpload struct {
	Attachment string `json:"attachment"` // base64-encoded image bytes
	Position   int    `json:"position"`
	Alt        string `json:"alt,omitempty"`
}

// Chunk is a bounded group of products pulled from the stream and
// processed as one unit by the pipeline.
type Chunk []Product

// ProductIDString normalizes a product id for ledger and report keys.
func ProductIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}
