package retrieval

import (
	"context"
	"fmt"
	"iter"
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `You are a helpful AI assistant. Look at the provided images and answer the user's question naturally and simply. If you can answer based on what you see, give a brief, direct answer. If the images don't contain the information needed, just say 'I don't know' or 'I can't find that information in the provided context.'

Example:
User: 'What color is the car?'
You: 'The car is blue.'

User: 'What's the population of this city?'
You: 'I can't find that information in the provided context.'`

// Unavailable stands in for a synthesizer that could not be configured.
type Unavailable struct {
	Reason string
}

var _ Synthesizer = Unavailable{}

func (u Unavailable) Name() string {
	return "unavailable"
}

func (u Unavailable) Available(context.Context) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, u.Reason)
}

func (u Unavailable) Synthesize(ctx context.Context, _ SynthesisRequest) (iter.Seq2[string, error], error) {
	return nil, u.Available(ctx)
}

// Single wraps a complete answer as a one-fragment sequence.
func Single(text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield(text, nil)
	}
}

// Collect concatenates every fragment, stopping at the first error.
func Collect(fragments iter.Seq2[string, error]) (string, error) {
	var out []byte
	for frag, err := range fragments {
		if err != nil {
			return string(out), err
		}
		out = append(out, frag...)
	}
	return string(out), nil
}
