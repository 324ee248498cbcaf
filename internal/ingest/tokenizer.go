package ingest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// encoder is the part of *tiktoken.Tiktoken the counter uses.
type encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// modelEncodings maps model name prefixes to tiktoken encodings, longest
// prefix first. Anything unlisted uses cl100k_base.
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o-mini", "o200k_base"},
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"gpt-4-turbo", "cl100k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5-turbo", "cl100k_base"},
	{"text-embedding-3", "cl100k_base"},
	{"text-embedding-ada-002", "cl100k_base"},
	{"text-davinci-003", "p50k_base"},
	{"text-davinci-002", "p50k_base"},
	{"davinci", "r50k_base"},
}

const defaultEncoding = "cl100k_base"

func encodingForModel(model string) string {
	m := strings.ToLower(model)
	if strings.Contains(m, "claude") {
		return defaultEncoding
	}
	for _, me := range modelEncodings {
		if strings.HasPrefix(m, me.prefix) {
			return me.encoding
		}
	}
	return defaultEncoding
}

// Tiktoken counts tokens with OpenAI's BPE encodings. Encodings are loaded
// lazily on first use (tiktoken-go may download the ranks file) and shared
// by all models that use them.
type Tiktoken struct {
	load func(encoding string) (encoder, error)

	mu       sync.Mutex
	encoders map[string]encoder
}

// NewTiktoken returns a TokenCounter backed by tiktoken-go.
func NewTiktoken() *Tiktoken {
	return &Tiktoken{
		load: func(encoding string) (encoder, error) {
			return tiktoken.GetEncoding(encoding)
		},
		encoders: make(map[string]encoder),
	}
}

// Count implements TokenCounter.
func (t *Tiktoken) Count(model, text string) (int, error) {
	enc, err := t.encoder(encodingForModel(model))
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func (t *Tiktoken) encoder(name string) (encoder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encoders[name]; ok {
		return enc, nil
	}
	enc, err := t.load(name)
	if err != nil {
		return nil, fmt.Errorf("ingest: load tiktoken encoding %s: %w", name, err)
	}
	t.encoders[name] = enc
	return enc, nil
}
