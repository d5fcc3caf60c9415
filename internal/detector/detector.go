// Package detector classifies an inbound completion request as either an
// ordinary conversation turn or a compaction request.
package detector

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Result is the classifier's verdict for one inbound request.
type Result string

const (
	Ordinary Result = "ordinary"
	Compact  Result = "compact"
)

// minHistoryForCompact is the smallest message-history length §4.3(c)
// considers "non-trivial"; below it a request is never classified Compact
// even if its wording matches a signature phrase, since a real compaction
// request only makes sense after a handful of prior turns.
const minHistoryForCompact = 3

// signatures is the versioned table of compaction-prompt phrases, matched
// case-insensitively against the last user-authored text segment. New
// client wordings are added here without touching Classify.
var signatures = []string{
	"context checkpoint compaction",
	"handoff summary",
	"resume the task",
	"/compact",
	"create a detailed summary of the conversation",
}

func matchesSignature(text string) bool {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return false
	}
	for _, sig := range signatures {
		if strings.Contains(s, sig) {
			return true
		}
	}
	// A checkpoint+compaction combination is treated as a strong signal
	// even without an exact phrase match.
	return strings.Contains(s, "checkpoint") && strings.Contains(s, "compaction")
}

// lastUserText extracts the last user-authored text segment from either an
// OpenAI-style chat-completions "messages" array or a Responses-style
// "input" array. Returns "" if neither shape is present.
func lastUserText(body []byte) string {
	if messages := gjson.GetBytes(body, "messages"); messages.Exists() && messages.IsArray() {
		arr := messages.Array()
		for i := len(arr) - 1; i >= 0; i-- {
			if !strings.EqualFold(arr[i].Get("role").String(), "user") {
				continue
			}
			if content := arr[i].Get("content"); content.Type == gjson.String {
				return content.String()
			}
			// content may be a list of typed parts; concatenate any text parts.
			var sb strings.Builder
			for _, part := range arr[i].Get("content").Array() {
				if part.Get("type").String() == "text" || part.Get("text").Exists() {
					sb.WriteString(part.Get("text").String())
					sb.WriteString(" ")
				}
			}
			return sb.String()
		}
		return ""
	}

	if input := gjson.GetBytes(body, "input"); input.Exists() {
		if input.Type == gjson.String {
			return input.String()
		}
		if input.IsArray() {
			arr := input.Array()
			for i := len(arr) - 1; i >= 0; i-- {
				if !strings.EqualFold(arr[i].Get("role").String(), "user") {
					continue
				}
				for _, part := range arr[i].Get("content").Array() {
					if part.Get("type").String() == "input_text" {
						return part.Get("text").String()
					}
				}
			}
		}
	}
	return ""
}

func messageCount(body []byte) int {
	if messages := gjson.GetBytes(body, "messages"); messages.IsArray() {
		return len(messages.Array())
	}
	if input := gjson.GetBytes(body, "input"); input.IsArray() {
		return len(input.Array())
	}
	return 0
}

// isCompletionEndpoint reports whether path targets a chat/completion-style
// endpoint, the only surface a compaction request can arrive on.
func isCompletionEndpoint(path string) bool {
	switch {
	case strings.HasSuffix(path, "/v1/chat/completions"):
		return true
	case strings.HasSuffix(path, "/v1/completions"):
		return true
	case strings.HasSuffix(path, "/v1/responses"):
		return true
	case strings.HasSuffix(path, "/v1/messages"):
		return true
	default:
		return false
	}
}

// Classify returns Compact only when all three §4.3 conditions hold:
// the request targets a completion endpoint, its final user message
// matches a known compaction signature, and its history is non-trivial.
// Any ambiguity defaults to Ordinary — a false negative merely loses the
// acceleration, while a false positive would corrupt output.
func Classify(path string, body []byte) Result {
	if !isCompletionEndpoint(path) {
		return Ordinary
	}
	if messageCount(body) < minHistoryForCompact {
		return Ordinary
	}
	if !matchesSignature(lastUserText(body)) {
		return Ordinary
	}
	return Compact
}
