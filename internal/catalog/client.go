package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client defines the operations the optimizer needs from the product platform.
type Client interface {
	// ListProducts returns one page of products ordered by id, starting
	// after sinceID. A page shorter than limit means the catalog is exhausted.
	ListProducts(ctx context.Context, sinceID int64, limit int) ([]Product, error)
	// GetProduct fetches a fresh snapshot of a single product.
	GetProduct(ctx context.Context, id int64) (*Product, error)
	// DeleteImage removes an image resource from a product.
	DeleteImage(ctx context.Context, productID, imageID int64) error
	// CreateImage uploads a replacement image to a product.
	CreateImage(ctx context.Context, productID int64, upload ImageUpload) error
}

// RESTClient talks to the platform's admin REST API with a bearer credential.
type RESTClient struct {
	shopURL    string
	token      string
	apiVersion string
	httpClient *http.Client
}

// NewRESTClient returns a client for the given shop. The token is the
// per-store access credential supplied externally.
func NewRESTClient(shopURL, token, apiVersion string) *RESTClient {
	return &RESTClient{
		shopURL:    strings.TrimSuffix(shopURL, "/"),
		token:      token,
		apiVersion: apiVersion,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ensureSession re-validates the client before an API call. The underlying
// transport is rebuilt if it was torn down while the stream was suspended
// between chunks.
func (c *RESTClient) ensureSession() error {
	if c.token == "" {
		return fmt.Errorf("no access token for %s", c.shopURL)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

func (c *RESTClient) endpoint(path string) string {
	base := c.shopURL
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return fmt.Sprintf("%s/admin/api/%s/%s", base, c.apiVersion, path)
}

func (c *RESTClient) do(ctx context.Context, method, rawURL string, body io.Reader) (*http.Response, error) {
	if err := c.ensureSession(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Shopify-Access-Token", c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	return resp, nil
}

func decodeInto(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListProducts implements Client.
func (c *RESTClient) ListProducts(ctx context.Context, sinceID int64, limit int) ([]Product, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if sinceID > 0 {
		q.Set("since_id", strconv.FormatInt(sinceID, 10))
	}
	resp, err := c.do(ctx, http.MethodGet, c.endpoint("products.json")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Products []Product `json:"products"`
	}
	if err := decodeInto(resp, &payload); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return payload.Products, nil
}

// GetProduct implements Client.
func (c *RESTClient) GetProduct(ctx context.Context, id int64) (*Product, error) {
	resp, err := c.do(ctx, http.MethodGet, c.endpoint(fmt.Sprintf("products/%d.json", id)), nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Product Product `json:"product"`
	}
	if err := decodeInto(resp, &payload); err != nil {
		return nil, fmt.Errorf("get product %d: %w", id, err)
	}
	return &payload.Product, nil
}

// DeleteImage implements Client.
func (c *RESTClient) DeleteImage(ctx context.Context, productID, imageID int64) error {
	resp, err := c.do(ctx, http.MethodDelete,
		c.endpoint(fmt.Sprintf("products/%d/images/%d.json", productID, imageID)), nil)
	if err != nil {
		return err
	}
	if err := decodeInto(resp, nil); err != nil {
		return fmt.Errorf("delete image %d of product %d: %w", imageID, productID, err)
	}
	return nil
}

// CreateImage implements Client.
func (c *RESTClient) CreateImage(ctx context.Context, productID int64, upload ImageUpload) error {
	body, err := json.Marshal(map[string]ImageUpload{"image": upload})
	if err != nil {
		return fmt.Errorf("marshal image upload: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost,
		c.endpoint(fmt.Sprintf("products/%d/images.json", productID)), bytes.NewReader(body))
	if err != nil {
		return err
	}
	if err := decodeInto(resp, nil); err != nil {
		return fmt.Errorf("create image for product %d: %w", productID, err)
	}
	return nil
}
