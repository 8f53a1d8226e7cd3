// Package echo is a deterministic local model provider used for development
// and seeding. It streams the prompt back word by word and reports real token
// counts, so the full billing path can be exercised without an upstream model.
package echo

import (
	"context"
	"strings"
	"time"

	"github.com/alecgard/obol/internal/provider"
)

// Provider implements provider.Invoker by echoing the prompt.
type Provider struct {
	// Delay between chunks, to mimic a streaming upstream. Zero means no delay.
	Delay time.Duration
}

// New creates an echo provider with the given inter-chunk delay.
func New(delay time.Duration) *Provider {
	return &Provider{Delay: delay}
}

// Invoke streams the prompt's words back and closes with a usage report.
func (p *Provider) Invoke(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	words := strings.Fields(req.Prompt)

	out := make(chan provider.Chunk)
	go func() {
		defer close(out)

		var written int64
		for i, w := range words {
			if ctx.Err() != nil {
				return
			}
			if req.MaxTokens > 0 && written >= req.MaxTokens {
				break
			}
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					return
				}
			}
			text := w
			if i < len(words)-1 {
				text += " "
			}
			select {
			case out <- provider.Chunk{Text: text}:
				written++
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		usage := &provider.Usage{
			InputTokens:  tokenCount(req.Prompt),
			OutputTokens: written,
		}
		select {
		case out <- provider.Chunk{Usage: usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// tokenCount approximates tokens as whitespace-separated words.
func tokenCount(text string) int64 {
	return int64(len(strings.Fields(text)))
}
