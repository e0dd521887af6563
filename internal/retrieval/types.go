package retrieval

import (
	"context"
	"errors"
	"image"
	"iter"
)

// Payload keys stored on every index point.
const (
	PayloadSource        = "source"
	PayloadDatasetIndex  = "dataset_index"
	PayloadBatchID       = "batch_id"
	PayloadPageNum       = "page_num"
	PayloadPageText      = "page_text"
	PayloadImageURL      = "image_url"
	PayloadImageName     = "image_name"
	PayloadImageHash     = "image_hash"
	PayloadUploadPending = "upload_pending"
)

var (
	ErrQueryEmpty      = errors.New("query is empty")
	ErrQueryTooShort   = errors.New("query is too short")
	ErrCollectionEmpty = errors.New("collection is empty")
	ErrNoResults       = errors.New("no results found")
	ErrAllPending      = errors.New("matching documents are still uploading")
	ErrUnavailable     = errors.New("answer synthesis unavailable")
	ErrDrainTimeout    = errors.New("upload queue drain timed out")
	ErrWorkerClosed    = errors.New("upload worker is closed")
)

// Document is a source record: an image plus scalar metadata.
type Document struct {
	Image    image.Image
	Source   string
	Metadata map[string]any
}

// Embedding holds a full multi-vector and, optionally, its pooled variants.
type Embedding struct {
	Original      [][]float32
	PooledRows    [][]float32
	PooledColumns [][]float32
}

func (e Embedding) Pooled() bool {
	return len(e.PooledRows) > 0 && len(e.PooledColumns) > 0
}

type IndexPoint struct {
	ID      uint64
	Vectors Embedding
	Payload map[string]any
}

type UploadTask struct {
	PointID    uint64
	ObjectName string
	Source     string
	Image      image.Image
	Attempt    int
	RunID      string
}

type ScoredPoint struct {
	ID      uint64
	Score   float32
	Payload map[string]any
}

// ImageURL returns the resolved image URL, or "" while the upload is pending or failed.
func (p ScoredPoint) ImageURL() string {
	if pending, _ := p.Payload[PayloadUploadPending].(bool); pending {
		return ""
	}
	url, _ := p.Payload[PayloadImageURL].(string)
	return url
}

type SearchParams struct {
	Limit        int
	Oversampling float64
}

// DocumentStream yields documents lazily. Next returns io.EOF when exhausted.
type DocumentStream interface {
	Next(ctx context.Context) (Document, error)
	Total() int
	Name() string
}

type Embedder interface {
	EmbedImages(ctx context.Context, images []image.Image) ([]Embedding, error)
	EmbedQuery(ctx context.Context, text string) (Embedding, error)
}

type VectorStore interface {
	Count(ctx context.Context) (uint64, error)
	Upsert(ctx context.Context, points []IndexPoint) error
	SetImageURL(ctx context.Context, id uint64, url string, extra map[string]any) error
	Search(ctx context.Context, query Embedding, params SearchParams) ([]ScoredPoint, error)
}

type ObjectStore interface {
	Upload(ctx context.Context, name string, data []byte, contentType string) (string, error)
	Download(ctx context.Context, name string) ([]byte, error)
}

// ImageInput is one image handed to a synthesizer.
type ImageInput struct {
	Image image.Image
	URL   string
}

type SynthesisRequest struct {
	Images       []ImageInput
	Question     string
	SystemPrompt string
	Stream       bool
}

type Synthesizer interface {
	Name() string
	Available(ctx context.Context) error
	Synthesize(ctx context.Context, req SynthesisRequest) (iter.Seq2[string, error], error)
}

// EventPublisher publishes run events; implementations may be no-ops.
type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// FailureJournal records uploads that exhausted their retries.
type FailureJournal interface {
	RecordFailure(ctx context.Context, task UploadTask, data []byte, contentType string, cause error) error
	// Purge drops every recorded failure; entries must not outlive the
	// collection their point ids refer to.
	Purge(ctx context.Context) (int, error)
}
