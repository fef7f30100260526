// Package tokenizer prices message text in model tokens.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/kvashee/protopt/errors"
	"github.com/pkoukk/tiktoken-go"
)

// Counter is the pricing function the core depends on: text in, token count
// out. Implementations must be safe for concurrent use.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts tokens with a tiktoken BPE encoding.
type Tiktoken struct {
	encoding *tiktoken.Tiktoken
}

var (
	// Encodings are expensive to initialize, so they are cached per name.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// New creates a counter for a named encoding, e.g. "o200k_base".
func New(encodingName string) (*Tiktoken, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cached, ok := encodingCache[encodingName]; ok {
		return &Tiktoken{encoding: cached}, nil
	}
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get encoding %q", encodingName)
	}
	encodingCache[encodingName] = encoding
	return &Tiktoken{encoding: encoding}, nil
}

// Count returns the token count for text.
func (t *Tiktoken) Count(text string) int {
	return len(t.encoding.Encode(text, nil, nil))
}

// EncodingForModel maps a model name to its encoding name. Non-OpenAI models
// are approximated with cl100k_base, which is close enough for relative
// cost comparisons between protocol candidates.
func EncodingForModel(model string) string {
	prefixes := []struct {
		prefix   string
		encoding string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-5", "o200k_base"},
		{"o1", "o200k_base"},
		{"gpt-4", "cl100k_base"},
		{"gpt-3.5", "cl100k_base"},
		{"claude", "cl100k_base"},
		{"gemini", "cl100k_base"},
	}
	for _, p := range prefixes {
		if strings.HasPrefix(model, p.prefix) {
			return p.encoding
		}
	}
	return "cl100k_base"
}
