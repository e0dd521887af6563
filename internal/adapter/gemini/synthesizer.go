package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"pagelens/internal/imaging"
	"pagelens/internal/retrieval"
)

var _ retrieval.Synthesizer = (*Synthesizer)(nil)

const DefaultModel = "gemini-2.0-flash"

type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	Codec       imaging.Codec
}

// Synthesizer creates its genai client on first use.
type Synthesizer struct {
	cfg        Config
	client     *genai.Client
	mu         sync.RWMutex
	clientOpts []option.ClientOption
}

func NewSynthesizer(cfg Config, opts ...option.ClientOption) *Synthesizer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Synthesizer{cfg: cfg, clientOpts: opts}
}

func (s *Synthesizer) Name() string {
	return "gemini/" + s.cfg.Model
}

func (s *Synthesizer) Available(context.Context) error {
	if s.cfg.APIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY not set", retrieval.ErrUnavailable)
	}
	return nil
}

func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *Synthesizer) getClient(ctx context.Context) (*genai.Client, error) {
	s.mu.RLock()
	if s.client != nil {
		defer s.mu.RUnlock()
		return s.client, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double check
	if s.client != nil {
		return s.client, nil
	}

	opts := append(append([]option.ClientOption{}, s.clientOpts...), option.WithAPIKey(s.cfg.APIKey))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", retrieval.ErrUnavailable, err)
	}
	s.client = client
	return client, nil
}

func (s *Synthesizer) model(client *genai.Client, systemPrompt string) *genai.GenerativeModel {
	m := client.GenerativeModel(s.cfg.Model)
	if systemPrompt != "" {
		m.SystemInstruction = genai.NewUserContent(genai.Text(systemPrompt))
	}
	if s.cfg.MaxTokens > 0 {
		m.SetMaxOutputTokens(int32(s.cfg.MaxTokens))
	}
	if s.cfg.Temperature > 0 {
		m.SetTemperature(s.cfg.Temperature)
	}
	return m
}

func (s *Synthesizer) parts(ctx context.Context, req retrieval.SynthesisRequest) []genai.Part {
	parts := []genai.Part{genai.Text(req.Question)}
	format := strings.ToLower(string(s.cfg.Codec.Format))
	for i, img := range req.Images {
		if img.Image == nil {
			continue
		}
		data, err := s.cfg.Codec.Encode(img.Image)
		if err != nil {
			slog.WarnContext(ctx, "dropping image that failed to encode", "index", i, "error", err)
			continue
		}
		parts = append(parts, genai.ImageData(format, data))
	}
	return parts
}

func (s *Synthesizer) Synthesize(ctx context.Context, req retrieval.SynthesisRequest) (iter.Seq2[string, error], error) {
	if err := s.Available(ctx); err != nil {
		return nil, err
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}
	parts := s.parts(ctx, req)
	if len(parts) == 1 {
		slog.WarnContext(ctx, "no decodable images for gemini, asking with text only")
	}
	model := s.model(client, req.SystemPrompt)

	if !req.Stream {
		resp, err := model.GenerateContent(ctx, parts...)
		if err != nil {
			return nil, classify(err)
		}
		return retrieval.Single(textOf(resp)), nil
	}

	it := model.GenerateContentStream(ctx, parts...)
	// The first response surfaces auth and connection failures before streaming starts.
	first, err := it.Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return nil, classify(err)
	}
	return func(yield func(string, error) bool) {
		resp := first
		for resp != nil {
			if text := textOf(resp); text != "" {
				if !yield(text, nil) {
					return
				}
			}
			resp, err = it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
		}
	}, nil
}

func textOf(resp *genai.GenerateContentResponse) string {
	var b strings.Builder
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return b.String()
}

// classify maps client errors onto the synthesizer contract. Auth failures and
// anything that never produced an API response (refused or dropped
// connections, DNS) mean the service is unavailable. Caller cancellation and
// API or content errors are passed through.
func classify(err error) error {
	var (
		gerr    *googleapi.Error
		blocked *genai.BlockedError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &gerr):
		if gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden ||
			(gerr.Code == http.StatusBadRequest && strings.Contains(gerr.Message, "API key")) {
			return fmt.Errorf("%w: %v", retrieval.ErrUnavailable, err)
		}
		return fmt.Errorf("gemini: %w", err)
	case errors.As(err, &blocked):
		return fmt.Errorf("gemini: %w", err)
	default:
		return fmt.Errorf("%w: gemini: %v", retrieval.ErrUnavailable, err)
	}
}
