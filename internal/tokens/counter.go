// Package tokens estimates token usage for replies produced locally, so synthetic
// responses report usage the same way upstream ones do.
package tokens

import (
	"log/slog"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tjfontaine/casegen-gateway/internal/core/domain"
)

// messageOverhead approximates the role and separator tokens per message.
const messageOverhead = 4

// Counter counts tokens with the cl100k encoding. If the encoding cannot be
// loaded it falls back to a characters-per-token estimate.
type Counter struct {
	// CharsPerToken is used only by the fallback estimate (default: 4)
	CharsPerToken float64

	once  sync.Once
	codec tokenizer.Codec
}

// NewCounter creates a new token counter.
func NewCounter() *Counter {
	return &Counter{CharsPerToken: 4.0}
}

func (c *Counter) load() {
	c.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			slog.Default().Warn("tokenizer unavailable, estimating by length", slog.String("error", err.Error()))
			return
		}
		c.codec = codec
	})
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.load()
	if c.codec != nil {
		ids, _, err := c.codec.Encode(text)
		if err == nil {
			return len(ids)
		}
	}
	return c.estimate(text)
}

// Usage builds a usage record for a reply to the given prompt messages.
func (c *Counter) Usage(prompt []string, completion string) domain.Usage {
	in := 0
	for _, p := range prompt {
		in += c.Count(p) + messageOverhead
	}
	out := c.Count(completion)
	return domain.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}
}

func (c *Counter) estimate(text string) int {
	per := c.CharsPerToken
	if per <= 0 {
		per = 4.0
	}
	n := int(float64(len(text)) / per)
	if n == 0 {
		n = 1
	}
	return n
}
