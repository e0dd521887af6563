package retrieval

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSynthesizer struct {
	mock.Mock
}

func (m *MockSynthesizer) Name() string {
	return "mock"
}

func (m *MockSynthesizer) Available(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (iter.Seq2[string, error], error) {
	args := m.Called(ctx, req)
	seq, _ := args.Get(0).(iter.Seq2[string, error])
	return seq, args.Error(1)
}

var queryEmbedding = Embedding{Original: [][]float32{{0.5, 0.5}}}

func hit(id uint64, score float32, url string, pending bool) ScoredPoint {
	payload := map[string]any{
		PayloadSource:        "doc.pdf",
		PayloadPageNum:       int64(id),
		PayloadImageName:     "doc_pdf_idx.png",
		PayloadUploadPending: pending,
	}
	if url != "" {
		payload[PayloadImageURL] = url
	}
	return ScoredPoint{ID: id, Score: score, Payload: payload}
}

func TestValidateQuery(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "  what is revenue? ", want: "what is revenue?"},
		{in: "ok", want: "ok"},
		{in: "   ", wantErr: ErrQueryEmpty},
		{in: "", wantErr: ErrQueryEmpty},
		{in: " a ", wantErr: ErrQueryTooShort},
		{in: "é", wantErr: ErrQueryTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidateQuery(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestService_CollectionReady(t *testing.T) {
	store := new(MockIndex)
	store.On("Count", mock.Anything).Return(uint64(0), nil).Once()
	store.On("Count", mock.Anything).Return(uint64(12), nil).Once()
	svc := NewService(ServiceConfig{}, nil, store, nil, nil, nil)

	_, err := svc.CollectionReady(context.Background())
	assert.ErrorIs(t, err, ErrCollectionEmpty)

	n, err := svc.CollectionReady(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), n)
}

func TestService_SearchAppliesDefaultsAndLogs(t *testing.T) {
	embedder := new(MockEmbedder)
	store := new(MockIndex)
	embedder.On("EmbedQuery", mock.Anything, "quarterly revenue").Return(queryEmbedding, nil)
	store.On("Search", mock.Anything, queryEmbedding, SearchParams{Limit: 5, Oversampling: 2}).
		Return([]ScoredPoint{hit(1, 0.9, "u1", false)}, nil)

	var buf bytes.Buffer
	svc := NewService(ServiceConfig{SearchLimit: 5, Oversampling: 2}, embedder, store, nil, nil, NewQueryLogger(&buf))

	hits, err := svc.Search(context.Background(), "  quarterly revenue ", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, buf.String(), `"query":"quarterly revenue"`)
	assert.Contains(t, buf.String(), `"num_results":1`)
}

func TestService_SearchOverrides(t *testing.T) {
	embedder := new(MockEmbedder)
	store := new(MockIndex)
	embedder.On("EmbedQuery", mock.Anything, mock.Anything).Return(queryEmbedding, nil)
	store.On("Search", mock.Anything, mock.Anything, SearchParams{Limit: 1, Oversampling: 3}).Return(nil, nil)

	svc := NewService(ServiceConfig{SearchLimit: 5, Oversampling: 2}, embedder, store, nil, nil, nil)
	hits, err := svc.Search(context.Background(), "query", SearchOptions{Limit: 1, Oversampling: 3})
	require.NoError(t, err)
	assert.Empty(t, hits)
	store.AssertExpectations(t)
}

func TestService_SearchRejectsShortQuery(t *testing.T) {
	embedder := new(MockEmbedder)
	svc := NewService(ServiceConfig{}, embedder, new(MockIndex), nil, nil, nil)

	_, err := svc.Search(context.Background(), "x", SearchOptions{})
	assert.ErrorIs(t, err, ErrQueryTooShort)
	embedder.AssertNotCalled(t, "EmbedQuery", mock.Anything, mock.Anything)
}

func TestService_SearchEmbedError(t *testing.T) {
	embedder := new(MockEmbedder)
	embedder.On("EmbedQuery", mock.Anything, mock.Anything).Return(Embedding{}, errors.New("timeout"))

	path := filepath.Join(t.TempDir(), "queries.jsonl")
	ql, err := NewFileQueryLogger(path)
	require.NoError(t, err)
	defer ql.Close()

	svc := NewService(ServiceConfig{}, embedder, new(MockIndex), nil, nil, ql)
	_, err = svc.Search(context.Background(), "query", SearchOptions{})
	assert.ErrorContains(t, err, "embed query")
}

func TestImagesFromResults(t *testing.T) {
	points := []ScoredPoint{
		hit(1, 0.9, "", true),
		hit(2, 0.8, "u2", false),
		hit(3, 0.7, "u3", false),
		hit(4, 0.6, "u4", false),
	}
	got := ImagesFromResults(points, 3)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[0].ID)
	assert.Equal(t, uint64(3), got[1].ID)

	got = ImagesFromResults(points, 2)
	require.Len(t, got, 1, "only the top two hits are considered")
	assert.Equal(t, uint64(2), got[0].ID)
	assert.Empty(t, ImagesFromResults(points, 1))

	assert.Len(t, ImagesFromResults(points, 0), 3)
	assert.Empty(t, ImagesFromResults(points[:1], 3))
}

func TestService_SearchWithSynthesis(t *testing.T) {
	embedder := new(MockEmbedder)
	store := new(MockIndex)
	objects := new(MockObjectStore)
	synth := new(MockSynthesizer)

	embedder.On("EmbedQuery", mock.Anything, mock.Anything).Return(queryEmbedding, nil)
	store.On("Search", mock.Anything, mock.Anything, mock.Anything).Return([]ScoredPoint{
		hit(1, 0.9, "", true),
		hit(2, 0.8, "http://minio/p/2.png", false),
		hit(3, 0.7, "http://minio/p/3.png", false),
	}, nil)
	png, err := pngCodec.Encode(testImage())
	require.NoError(t, err)
	objects.On("Download", mock.Anything, "doc_pdf_idx.png").Return(png, nil).Once()
	objects.On("Download", mock.Anything, "doc_pdf_idx.png").Return(nil, errors.New("gone")).Once()
	synth.On("Available", mock.Anything).Return(nil)
	synth.On("Synthesize", mock.Anything, mock.MatchedBy(func(req SynthesisRequest) bool {
		return len(req.Images) == 2 && req.Images[0].Image != nil && req.Images[1].Image == nil &&
			req.Images[1].URL == "http://minio/p/3.png" && req.Question == "what is shown" &&
			req.SystemPrompt == DefaultSystemPrompt && req.Stream
	})).Return(Single("A chart."), nil)

	svc := NewService(ServiceConfig{SearchLimit: 3, MaxImages: 3}, embedder, store, objects, synth, nil)
	answer, err := svc.SearchWithSynthesis(context.Background(), " what is shown ", AnswerOptions{Stream: true})
	require.NoError(t, err)
	require.Nil(t, answer.Unavailable)

	text, err := Collect(answer.Fragments)
	require.NoError(t, err)
	assert.Equal(t, "A chart.", text)
	assert.Len(t, answer.Results, 3)
	require.Len(t, answer.Sources, 2)
	assert.Equal(t, Source{PointID: 2, URL: "http://minio/p/2.png", Source: "doc.pdf", Page: 2, Score: 0.8}, answer.Sources[0])
	synth.AssertExpectations(t)
}

func TestService_SearchWithSynthesisOutcomes(t *testing.T) {
	tests := []struct {
		name            string
		hits            []ScoredPoint
		synth           Synthesizer
		wantErr         error
		wantAnswer      bool
		wantUnavailable bool
	}{
		{name: "no results", hits: nil, wantErr: ErrNoResults},
		{name: "all pending", hits: []ScoredPoint{hit(1, 0.5, "", true)}, wantErr: ErrAllPending, wantAnswer: true},
		{
			name: "top hits pending",
			hits: []ScoredPoint{
				hit(1, 0.9, "", true), hit(2, 0.8, "", true), hit(3, 0.7, "", true),
				hit(4, 0.6, "http://u/4.png", false),
			},
			wantErr:    ErrAllPending,
			wantAnswer: true,
		},
		{
			name:            "synthesizer unavailable",
			hits:            []ScoredPoint{hit(1, 0.5, "http://u/1.png", false)},
			synth:           Unavailable{Reason: "OPENAI_API_KEY not set"},
			wantAnswer:      true,
			wantUnavailable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			embedder := new(MockEmbedder)
			store := new(MockIndex)
			embedder.On("EmbedQuery", mock.Anything, mock.Anything).Return(queryEmbedding, nil)
			store.On("Search", mock.Anything, mock.Anything, mock.Anything).Return(tt.hits, nil)

			svc := NewService(ServiceConfig{MaxImages: 3}, embedder, store, nil, tt.synth, nil)
			answer, err := svc.SearchWithSynthesis(context.Background(), "question", AnswerOptions{})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantAnswer, answer != nil)
			if tt.wantUnavailable {
				assert.ErrorIs(t, answer.Unavailable, ErrUnavailable)
				assert.Nil(t, answer.Fragments)
				assert.Len(t, answer.Sources, 1)
			}
		})
	}
}

func TestService_SynthesizeUnavailableMidCall(t *testing.T) {
	embedder := new(MockEmbedder)
	store := new(MockIndex)
	synth := new(MockSynthesizer)
	embedder.On("EmbedQuery", mock.Anything, mock.Anything).Return(queryEmbedding, nil)
	store.On("Search", mock.Anything, mock.Anything, mock.Anything).Return([]ScoredPoint{hit(1, 0.5, "http://u/1.png", false)}, nil)
	synth.On("Available", mock.Anything).Return(nil)
	synth.On("Synthesize", mock.Anything, mock.Anything).Return(nil, errors.Join(ErrUnavailable, errors.New("401")))

	svc := NewService(ServiceConfig{}, embedder, store, nil, synth, nil)
	answer, err := svc.SearchWithSynthesis(context.Background(), "question", AnswerOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, answer.Unavailable, ErrUnavailable)
}

func TestCollect(t *testing.T) {
	seq := func(yield func(string, error) bool) {
		if !yield("a", nil) {
			return
		}
		if !yield("b", nil) {
			return
		}
		yield("", errors.New("stream reset"))
	}
	got, err := Collect(seq)
	assert.Equal(t, "ab", got)
	assert.ErrorContains(t, err, "stream reset")
}
