// Package openai answers questions about page images through the chat completions API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pagelens/internal/imaging"
	"pagelens/internal/retrieval"
)

var _ retrieval.Synthesizer = (*Synthesizer)(nil)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4.1-mini"
	DefaultTimeout = 120 * time.Second
)

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
	// Codec encodes images into data URLs.
	Codec imaging.Codec
}

type Synthesizer struct {
	client *http.Client
	cfg    Config
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func NewSynthesizer(cfg Config) *Synthesizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Synthesizer{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

func (s *Synthesizer) Name() string {
	return "openai/" + s.cfg.Model
}

func (s *Synthesizer) Available(context.Context) error {
	if s.cfg.APIKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY not set", retrieval.ErrUnavailable)
	}
	return nil
}

func (s *Synthesizer) buildRequest(ctx context.Context, req retrieval.SynthesisRequest) chatRequest {
	parts := []contentPart{{Type: "text", Text: req.Question}}
	for i, img := range req.Images {
		url := img.URL
		if img.Image != nil {
			dataURL, err := s.cfg.Codec.DataURL(img.Image)
			if err != nil {
				slog.WarnContext(ctx, "dropping image that failed to encode", "index", i, "error", err)
				continue
			}
			url = dataURL
		}
		if url == "" {
			continue
		}
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
	}

	return chatRequest{
		Model: s.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: parts},
		},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Stream:      req.Stream,
	}
}

// Synthesize sends the question and images in one request. With Stream set the
// returned sequence yields deltas as they arrive and must be drained to release
// the connection.
func (s *Synthesizer) Synthesize(ctx context.Context, req retrieval.SynthesisRequest) (iter.Seq2[string, error], error) {
	if err := s.Available(ctx); err != nil {
		return nil, err
	}
	jsonBody, err := json.Marshal(s.buildRequest(ctx, req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: send request: %v", retrieval.ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	if !req.Stream {
		defer resp.Body.Close()
		var chatResp chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if chatResp.Error != nil {
			return nil, fmt.Errorf("openai error: %s", chatResp.Error.Message)
		}
		if len(chatResp.Choices) == 0 {
			return nil, errors.New("openai: no response choices returned")
		}
		return retrieval.Single(chatResp.Choices[0].Message.Content), nil
	}

	return streamDeltas(resp.Body), nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var wrapped struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(raw, &wrapped) == nil && wrapped.Error != nil {
		msg = wrapped.Error.Message
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d: %s", retrieval.ErrUnavailable, resp.StatusCode, msg)
	}
	return fmt.Errorf("openai error (status %d): %s", resp.StatusCode, msg)
}

// streamDeltas reads server-sent events until [DONE] or EOF.
func streamDeltas(body io.ReadCloser) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer body.Close()
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}
			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("decode stream chunk: %w", err))
				return
			}
			if chunk.Error != nil {
				yield("", fmt.Errorf("openai error: %s", chunk.Error.Message))
				return
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("read stream: %w", err))
		}
	}
}
