package ai

import (
	"github.com/m-mizutani/goerr/v2"
	"github.com/tiktoken-go/tokenizer"
)

// TokenCapper trims text to a token budget using the cl100k_base encoding.
type TokenCapper struct {
	codec     tokenizer.Codec
	maxTokens int
}

// NewTokenCapper creates a capper. maxTokens <= 0 disables capping.
func NewTokenCapper(maxTokens int) (*TokenCapper, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load tokenizer")
	}
	return &TokenCapper{codec: codec, maxTokens: maxTokens}, nil
}

// Cap returns text unchanged when it fits, otherwise its first maxTokens tokens.
// Text the tokenizer cannot handle is returned unchanged.
func (c *TokenCapper) Cap(text string) string {
	if c == nil || c.maxTokens <= 0 || text == "" {
		return text
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil || len(ids) <= c.maxTokens {
		return text
	}
	out, err := c.codec.Decode(ids[:c.maxTokens])
	if err != nil {
		return text
	}
	return out
}

// Count returns the number of tokens in text.
func (c *TokenCapper) Count(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}
