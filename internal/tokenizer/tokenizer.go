// Package tokenizer estimates token counts and resolves per-model context
// window sizes. Both functions are pure and deterministic: no I/O, no
// mutable package state beyond a lazily-populated codec cache.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Message is the minimal shape EstimateTokens needs from a conversation
// turn: enough to approximate its contribution to input tokens without
// depending on any particular upstream wire format.
type Message struct {
	Role    string
	Content string
}

var codecCache sync.Map // model prefix -> tokenizer.Codec

// codecFor returns a cached BPE codec appropriate for the model family, or
// nil if no tiktoken encoding applies and the caller should fall back to
// the character heuristic.
func codecFor(model string) tokenizer.Codec {
	sanitized := strings.ToLower(strings.TrimSpace(model))

	var key string
	switch {
	case strings.Contains(sanitized, "gpt-4o"), strings.Contains(sanitized, "gpt-4.1"), strings.Contains(sanitized, "o1"), strings.Contains(sanitized, "o3"):
		key = "o200k"
	case strings.Contains(sanitized, "gpt-4"):
		key = "cl100k"
	case strings.Contains(sanitized, "gpt-3.5"):
		key = "cl100k"
	default:
		// Claude, Gemini, and unrecognized model families have no published
		// tiktoken encoding; the caller falls back to the char/4 heuristic.
		return nil
	}

	if cached, ok := codecCache.Load(key); ok {
		return cached.(tokenizer.Codec)
	}

	var enc tokenizer.Codec
	var err error
	switch key {
	case "o200k":
		enc, err = tokenizer.Get(tokenizer.O200kBase)
	case "cl100k":
		enc, err = tokenizer.Get(tokenizer.Cl100kBase)
	}
	if err != nil || enc == nil {
		return nil
	}
	actual, _ := codecCache.LoadOrStore(key, enc)
	return actual.(tokenizer.Codec)
}

// estimateCharHeuristic approximates token count as roughly one token per
// four characters, the standard rule of thumb for English text. It is
// monotone in input length by construction, which is all §4.1 requires of
// it as a fallback.
func estimateCharHeuristic(text string) int {
	if len(text) == 0 {
		return 0
	}
	tokens := len(text) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// countText returns the token count for a single string, using a real BPE
// codec for the given model when one is available and falling back to the
// character heuristic otherwise (or if encoding fails).
func countText(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := codecFor(model); enc != nil {
		if _, ids, err := enc.Encode(text); err == nil {
			return len(ids)
		}
	}
	return estimateCharHeuristic(text)
}

// EstimateTokens returns an approximate input-token count for a message
// list. Each message contributes its content's token count plus a small
// fixed overhead per turn, mirroring the per-message framing tokens real
// chat APIs charge for role/name delimiters. The result is monotone in the
// number and length of messages, which is the only property §4.1 requires.
func EstimateTokens(model string, messages []Message) int {
	const perMessageOverhead = 4
	total := 0
	for _, m := range messages {
		total += countText(model, m.Content) + perMessageOverhead
	}
	return total
}

// contextWindows maps a model-name substring to its documented context
// window. Matched case-insensitively against the model identifier; more
// specific entries are listed before the family fallbacks they refine.
var contextWindows = []struct {
	substr string
	tokens int
}{
	{"claude-3.5", 200000},
	{"claude-3-5", 200000},
	{"claude-3", 200000},
	{"claude", 200000},
	{"gpt-4o", 128000},
	{"gpt-4.1", 128000},
	{"gpt-4-turbo", 128000},
	{"gpt-4", 8192},
	{"gpt-3.5", 16384},
	{"gemini", 1000000},
	{"o1", 200000},
	{"o3", 200000},
	{"tiny", 100}, // deterministic small window for tests
}

// defaultContextWindow is returned for any model identifier that matches
// none of the known families, a conservative middle-ground size.
const defaultContextWindow = 100000

// ContextWindowFor returns the documented context window for a model
// identifier, or defaultContextWindow if the model is unrecognized.
func ContextWindowFor(model string) int {
	lower := strings.ToLower(strings.TrimSpace(model))
	for _, entry := range contextWindows {
		if strings.Contains(lower, entry.substr) {
			return entry.tokens
		}
	}
	return defaultContextWindow
}
