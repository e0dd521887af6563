// Package colqwen talks to the multi-vector embedding service.
package colqwen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"pagelens/internal/imaging"
	"pagelens/internal/retrieval"
)

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Pooling adds row and column pooled variants to image embeddings.
	Pooling bool
	// PrefixTokens is the image-token offset used when the service returns no spans. -1 centres the grid.
	PrefixTokens int
}

// Info describes the model served by the embedding service.
type Info struct {
	Dim              int `json:"dim"`
	SpatialMergeSize int `json:"spatial_merge_size"`
	ImageTokenID     int `json:"image_token_id"`
}

type Client struct {
	cfg    Config
	client *http.Client
	png    imaging.Codec

	mu   sync.RWMutex
	info *Info
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		png:    imaging.Codec{Format: imaging.FormatPNG},
	}
}

func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service health: status %d", resp.StatusCode)
	}
	return nil
}

// Info fetches model details once. Later calls return the cached value.
func (c *Client) Info(ctx context.Context) (Info, error) {
	c.mu.RLock()
	if c.info != nil {
		defer c.mu.RUnlock()
		return *c.info, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.info != nil {
		return *c.info, nil
	}

	var info Info
	if err := c.do(ctx, http.MethodGet, "/info", "", nil, &info); err != nil {
		return Info{}, err
	}
	c.info = &info
	return info, nil
}

// Patches returns the patch grid the model uses for an image of the given size.
func (c *Client) Patches(ctx context.Context, width, height int) (int, int, error) {
	body, _ := json.Marshal(map[string]int{"width": width, "height": height})
	var out struct {
		X int `json:"n_patches_x"`
		Y int `json:"n_patches_y"`
	}
	if err := c.do(ctx, http.MethodPost, "/patches", "application/json", bytes.NewReader(body), &out); err != nil {
		return 0, 0, err
	}
	return out.X, out.Y, nil
}

type embedResponse struct {
	Embeddings      [][][]float32 `json:"embeddings"`
	ImageTokenSpans [][2]int      `json:"image_token_spans,omitempty"`
}

func (c *Client) EmbedQuery(ctx context.Context, text string) (retrieval.Embedding, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return retrieval.Embedding{}, err
	}

	body, _ := json.Marshal(map[string][]string{"queries": {text}})
	var out embedResponse
	if err := c.do(ctx, http.MethodPost, "/embed/queries", "application/json", bytes.NewReader(body), &out); err != nil {
		return retrieval.Embedding{}, err
	}
	if len(out.Embeddings) != 1 {
		return retrieval.Embedding{}, fmt.Errorf("expected 1 query embedding, got %d", len(out.Embeddings))
	}
	if err := checkDim(out.Embeddings[0], info.Dim); err != nil {
		return retrieval.Embedding{}, err
	}
	return retrieval.Embedding{Original: out.Embeddings[0]}, nil
}

func (c *Client) EmbedImages(ctx context.Context, images []image.Image) ([]retrieval.Embedding, error) {
	if len(images) == 0 {
		return nil, nil
	}
	info, err := c.Info(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, img := range images {
		data, err := c.png.Encode(img)
		if err != nil {
			return nil, fmt.Errorf("encode image %d: %w", i, err)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="image_%d.png"`, i))
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out embedResponse
	if err := c.do(ctx, http.MethodPost, "/embed/images", mw.FormDataContentType(), &buf, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(images) {
		return nil, fmt.Errorf("expected %d image embeddings, got %d", len(images), len(out.Embeddings))
	}

	embeddings := make([]retrieval.Embedding, len(images))
	for i, tokens := range out.Embeddings {
		if err := checkDim(tokens, info.Dim); err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		embeddings[i] = retrieval.Embedding{Original: tokens}
		if !c.cfg.Pooling {
			continue
		}

		grid, err := c.grid(ctx, images[i], tokens, out.ImageTokenSpans, i)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		rows, cols, err := Pool(tokens, grid)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		embeddings[i].PooledRows = rows
		embeddings[i].PooledColumns = cols
	}
	return embeddings, nil
}

func (c *Client) grid(ctx context.Context, img image.Image, tokens [][]float32, spans [][2]int, i int) (Grid, error) {
	b := img.Bounds()
	x, y, err := c.Patches(ctx, b.Dx(), b.Dy())
	if err != nil {
		return Grid{}, err
	}
	if i < len(spans) {
		span := spans[i]
		if span[1]-span[0] != x*y {
			return Grid{}, fmt.Errorf("image token span %v does not match %dx%d patches", span, x, y)
		}
		return LocateGrid(len(tokens), x, y, span[0])
	}
	return LocateGrid(len(tokens), x, y, c.cfg.PrefixTokens)
}

func checkDim(tokens [][]float32, dim int) error {
	if len(tokens) == 0 {
		return fmt.Errorf("empty embedding")
	}
	if dim <= 0 {
		return nil
	}
	for _, t := range tokens {
		if len(t) != dim {
			return fmt.Errorf("embedding dim %d, want %d", len(t), dim)
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding service %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("embedding service %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
