package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with the model's tokenizer when available,
// falling back to the length heuristic for unknown models. Encodings are
// cached because loading one is expensive.
type TokenCounter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewTokenCounter builds an empty counter.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count of text under the given model's encoding.
func (tc *TokenCounter) Count(text, model string) int {
	if text == "" {
		return 0
	}

	enc := tc.encodingFor(model)
	if enc == nil {
		return EstimateTokens(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (tc *TokenCounter) encodingFor(model string) *tiktoken.Tiktoken {
	tc.mu.RLock()
	enc, ok := tc.encodings[model]
	tc.mu.RUnlock()
	if ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil
	}

	tc.mu.Lock()
	tc.encodings[model] = enc
	tc.mu.Unlock()
	return enc
}

// EstimateTokens approximates a token count as one token per four bytes,
// rounded up, never less than one.
func EstimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
