package retrieval

import (
	"context"
	"image"
	"image/color"
	"io"
	"sync"

	"github.com/stretchr/testify/mock"
)

type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) Upload(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, name, data, contentType)
	return args.String(0), args.Error(1)
}

func (m *MockObjectStore) Download(ctx context.Context, name string) ([]byte, error) {
	args := m.Called(ctx, name)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockObjectStore) EnsureBucket(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockObjectStore) Clear(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Count(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockIndex) Upsert(ctx context.Context, points []IndexPoint) error {
	return m.Called(ctx, points).Error(0)
}

func (m *MockIndex) SetImageURL(ctx context.Context, id uint64, url string, extra map[string]any) error {
	return m.Called(ctx, id, url, extra).Error(0)
}

func (m *MockIndex) Search(ctx context.Context, q Embedding, params SearchParams) ([]ScoredPoint, error) {
	args := m.Called(ctx, q, params)
	hits, _ := args.Get(0).([]ScoredPoint)
	return hits, args.Error(1)
}

func (m *MockIndex) Ensure(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockIndex) Recreate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockIndex) Optimize(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) EmbedImages(ctx context.Context, images []image.Image) ([]Embedding, error) {
	args := m.Called(ctx, images)
	out, _ := args.Get(0).([]Embedding)
	return out, args.Error(1)
}

func (m *MockEmbedder) EmbedQuery(ctx context.Context, text string) (Embedding, error) {
	args := m.Called(ctx, text)
	return args.Get(0).(Embedding), args.Error(1)
}

type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) RecordFailure(ctx context.Context, task UploadTask, data []byte, contentType string, cause error) error {
	return m.Called(ctx, task, data, contentType, cause).Error(0)
}

// recordingPublisher keeps every published message.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (p *recordingPublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msgs == nil {
		p.msgs = make(map[string][][]byte)
	}
	p.msgs[topic] = append(p.msgs[topic], body)
	return nil
}

func (p *recordingPublisher) get(topic string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.msgs[topic]
}

type sliceStream struct {
	docs []Document
	pos  int
	err  error
}

func (s *sliceStream) Next(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if s.pos == len(s.docs) {
		if s.err != nil {
			return Document{}, s.err
		}
		return Document{}, io.EOF
	}
	d := s.docs[s.pos]
	s.pos++
	return d, nil
}

func (s *sliceStream) Total() int   { return len(s.docs) }
func (s *sliceStream) Name() string { return "test.pdf" }

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	return img
}

func testDocs(n int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		docs[i] = Document{
			Image:    testImage(),
			Source:   "test.pdf",
			Metadata: map[string]any{PayloadPageNum: i + 1, PayloadPageText: "page text"},
		}
	}
	return docs
}

func testEmbeddings(n int) []Embedding {
	out := make([]Embedding, n)
	for i := range out {
		out[i] = Embedding{Original: [][]float32{{float32(i), 1}}}
	}
	return out
}

func (m *MockJournal) Purge(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
