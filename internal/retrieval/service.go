package retrieval

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"pagelens/internal/imaging"
)

const minQueryLength = 2

type ServiceConfig struct {
	SearchLimit  int
	Oversampling float64
	MaxImages    int
	SystemPrompt string
}

type SearchOptions struct {
	Limit        int
	Oversampling float64
}

type AnswerOptions struct {
	SearchOptions
	Stream bool
}

// Source identifies one image handed to the synthesizer.
type Source struct {
	PointID uint64
	URL     string
	Source  string
	Page    int
	Score   float32
}

// Answer is the result of a synthesized search. Fragments is nil when the
// synthesizer is unavailable; Unavailable then holds the reason.
type Answer struct {
	Results     []ScoredPoint
	Sources     []Source
	Fragments   iter.Seq2[string, error]
	Unavailable error
}

type Service struct {
	cfg      ServiceConfig
	embedder Embedder
	store    VectorStore
	objects  ObjectStore
	synth    Synthesizer
	logger   *QueryLogger
}

func NewService(cfg ServiceConfig, e Embedder, s VectorStore, o ObjectStore, syn Synthesizer, l *QueryLogger) *Service {
	if syn == nil {
		syn = Unavailable{Reason: "no synthesizer configured"}
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Service{cfg: cfg, embedder: e, store: s, objects: o, synth: syn, logger: l}
}

func (s *Service) Synthesizer() Synthesizer {
	return s.synth
}

// ValidateQuery trims the query and rejects empty or too-short input.
func ValidateQuery(query string) (string, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return "", ErrQueryEmpty
	}
	if utf8.RuneCountInString(q) < minQueryLength {
		return "", fmt.Errorf("%w: need at least %d characters", ErrQueryTooShort, minQueryLength)
	}
	return q, nil
}

// CollectionReady returns the point count, or ErrCollectionEmpty when there is nothing to search.
func (s *Service) CollectionReady(ctx context.Context) (uint64, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrCollectionEmpty
	}
	return n, nil
}

func (s *Service) resolve(opts SearchOptions) SearchParams {
	p := SearchParams{Limit: opts.Limit, Oversampling: opts.Oversampling}
	if p.Limit <= 0 {
		p.Limit = s.cfg.SearchLimit
	}
	if p.Oversampling <= 0 {
		p.Oversampling = s.cfg.Oversampling
	}
	return p
}

func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) ([]ScoredPoint, error) {
	return s.search(ctx, "basic", query, opts)
}

func (s *Service) search(ctx context.Context, mode, query string, opts SearchOptions) (hits []ScoredPoint, err error) {
	start := time.Now()
	q, err := ValidateQuery(query)
	if err != nil {
		return nil, err
	}

	defer func() {
		entry := QueryLogEntry{Query: q, Mode: mode, NumResults: len(hits), Duration: time.Since(start)}
		if len(hits) > 0 {
			entry.TopScore = hits[0].Score
		}
		if err != nil {
			entry.Outcome = err.Error()
		}
		s.logger.Log(entry)
	}()

	emb, err := s.embedder.EmbedQuery(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err = s.store.Search(ctx, emb, s.resolve(opts))
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return hits, nil
}

// ImagesFromResults looks at the top limit points and keeps those whose image
// upload has completed, preserving rank order. Lower-ranked hits never stand
// in for a pending one.
func ImagesFromResults(points []ScoredPoint, limit int) []ScoredPoint {
	if limit > 0 && len(points) > limit {
		points = points[:limit]
	}
	var out []ScoredPoint
	for _, p := range points {
		if p.ImageURL() == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func sourceOf(p ScoredPoint) Source {
	src := Source{PointID: p.ID, URL: p.ImageURL(), Score: p.Score}
	src.Source, _ = p.Payload[PayloadSource].(string)
	switch n := p.Payload[PayloadPageNum].(type) {
	case int64:
		src.Page = int(n)
	case int:
		src.Page = n
	case float64:
		src.Page = int(n)
	}
	return src
}

// SearchWithSynthesis searches and streams an answer grounded on the images of
// the top hits. ErrNoResults means nothing matched; ErrAllPending means matches
// exist but none has an uploaded image yet. An unavailable synthesizer is not an error.
func (s *Service) SearchWithSynthesis(ctx context.Context, query string, opts AnswerOptions) (*Answer, error) {
	hits, err := s.search(ctx, "conversational", query, opts.SearchOptions)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, ErrNoResults
	}

	answer := &Answer{Results: hits}
	usable := ImagesFromResults(hits, s.cfg.MaxImages)
	if len(usable) == 0 {
		return answer, ErrAllPending
	}
	for _, p := range usable {
		answer.Sources = append(answer.Sources, sourceOf(p))
	}

	if err := s.synth.Available(ctx); err != nil {
		slog.WarnContext(ctx, "answer synthesis unavailable", "synthesizer", s.synth.Name(), "error", err)
		answer.Unavailable = err
		return answer, nil
	}

	req := SynthesisRequest{
		Question:     strings.TrimSpace(query),
		SystemPrompt: s.cfg.SystemPrompt,
		Stream:       opts.Stream,
		Images:       s.loadImages(ctx, usable),
	}
	fragments, err := s.synth.Synthesize(ctx, req)
	if errors.Is(err, ErrUnavailable) {
		slog.WarnContext(ctx, "answer synthesis unavailable", "synthesizer", s.synth.Name(), "error", err)
		answer.Unavailable = err
		return answer, nil
	}
	if err != nil {
		return answer, fmt.Errorf("synthesize: %w", err)
	}
	answer.Fragments = fragments
	return answer, nil
}

func (s *Service) loadImages(ctx context.Context, points []ScoredPoint) []ImageInput {
	images := make([]ImageInput, 0, len(points))
	for _, p := range points {
		name, _ := p.Payload[PayloadImageName].(string)
		if name == "" || s.objects == nil {
			images = append(images, ImageInput{URL: p.ImageURL()})
			continue
		}
		data, err := s.objects.Download(ctx, name)
		if err != nil {
			slog.WarnContext(ctx, "failed to fetch image, sending URL only", "object", name, "error", err)
			images = append(images, ImageInput{URL: p.ImageURL()})
			continue
		}
		img, err := imaging.Decode(data)
		if err != nil {
			slog.WarnContext(ctx, "failed to decode image, sending URL only", "object", name, "error", err)
			images = append(images, ImageInput{URL: p.ImageURL()})
			continue
		}
		images = append(images, ImageInput{Image: img, URL: p.ImageURL()})
	}
	return images
}
