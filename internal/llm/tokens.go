package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with the tiktoken encoding of each model. Models
// tiktoken does not know, including non-OpenAI ones, use the GPT-4 encoding.
type TokenCounter struct {
	mu     sync.Mutex
	codecs map[string]tokenizer.Codec
}

// NewTokenCounter creates a token counter.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{codecs: make(map[string]tokenizer.Codec)}
}

// Count returns the number of tokens in text for modelName.
func (c *TokenCounter) Count(modelName, text string) int {
	codec := c.codec(modelName)
	if codec == nil {
		return len(text) / 4
	}

	count, err := codec.Count(text)
	if err != nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}
	return count
}

func (c *TokenCounter) codec(modelName string) tokenizer.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()

	if codec, ok := c.codecs[modelName]; ok {
		return codec
	}

	codec, err := tokenizer.ForModel(tokenizer.Model(modelName))
	if err != nil {
		codec, err = tokenizer.ForModel(tokenizer.GPT4)
	}
	if err != nil {
		codec = nil
	}
	c.codecs[modelName] = codec
	return codec
}
