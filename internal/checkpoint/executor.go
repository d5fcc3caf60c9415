// Package checkpoint runs the background summarization call that produces
// a conversation's pre-computed compaction result.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/proxypilot/compaction-accelerator/internal/store"
)

// Cancelled is returned when ctx is cancelled before the upstream call
// completes. The BufferEngine treats it as a silent discard (§7). Executor.Run
// reports an expired ctx deadline as a *NetworkError instead.
var Cancelled = errors.New("checkpoint: cancelled")

// TooSmall is returned without ever calling upstream when the conversation
// has fewer tokens than the configured compaction trigger.
var TooSmall = errors.New("checkpoint: conversation too small to compact")

// UpstreamError wraps a non-2xx status code from the upstream API.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("checkpoint: upstream returned status %d", e.Status)
}

// NetworkError wraps a transport-level failure talking to upstream.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("checkpoint: network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// Snapshot is the immutable input to a single checkpoint attempt: the
// conversation's model and message list as of the instant CHECKPOINTING
// was entered, plus the inbound client's own auth header/value so the
// summarization call can be attributed to the same caller. The proxy has
// no independent credentials for the upstream host. EstimatedTokens is the
// conversation's already-authoritative total_input_tokens count (from the
// last observed upstream usage report or tokenizer estimate); Run compares
// it against minTokens directly rather than re-deriving a count from
// Messages, whose content preview can lag the authoritative figure.
type Snapshot struct {
	Model           string
	Messages        []store.Message
	AuthHeader      string
	AuthValue       string
	EstimatedTokens int
}

// UpstreamClient issues the one-shot, non-streaming summarization call. The
// production implementation posts to the real upstream chat/completions
// endpoint; tests substitute an httptest.Server-backed client or a fake.
// authHeader/authValue, when non-empty, are the caller's own credentials,
// reused verbatim for this request.
type UpstreamClient interface {
	Summarize(ctx context.Context, model string, messages []store.Message, authHeader, authValue string) (string, error)
}

// HTTPUpstreamClient is the production UpstreamClient, issuing a
// non-streaming completion request to a real upstream API.
type HTTPUpstreamClient struct {
	BaseURL       string
	AuthHeader    string
	AuthValue     string
	HTTPClient    *http.Client
	SummaryPrompt string
}

// NewHTTPUpstreamClient constructs a client with a documented default
// summarization instruction and a shared *http.Client suitable for
// concurrent use across many conversations.
func NewHTTPUpstreamClient(baseURL, authHeader, authValue string) *HTTPUpstreamClient {
	return &HTTPUpstreamClient{
		BaseURL:       baseURL,
		AuthHeader:    authHeader,
		AuthValue:     authValue,
		HTTPClient:    &http.Client{},
		SummaryPrompt: "Create a detailed summary of the conversation so far, preserving all decisions, file paths, and open tasks.",
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Summarize issues a single non-streaming chat/completions call whose
// final user message asks for a conversation summary. authHeader/authValue
// are the inbound client's own credentials for this conversation, reused
// verbatim since the proxy has none of its own; if empty, the client's
// statically configured AuthHeader/AuthValue are used instead.
func (c *HTTPUpstreamClient) Summarize(ctx context.Context, model string, messages []store.Message, authHeader, authValue string) (string, error) {
	payload := chatCompletionRequest{Model: model, Stream: false}
	for _, m := range messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: m.Role, Content: m.ContentPreview})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: c.SummaryPrompt})

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &NetworkError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader == "" || authValue == "" {
		authHeader, authValue = c.AuthHeader, c.AuthValue
	}
	if authHeader != "" && authValue != "" {
		req.Header.Set(authHeader, authValue)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", Cancelled
		}
		return "", &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NetworkError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &UpstreamError{Status: resp.StatusCode}
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &NetworkError{Err: err}
	}
	if len(parsed.Choices) == 0 {
		return "", &NetworkError{Err: errors.New("upstream response had no choices")}
	}
	return parsed.Choices[0].Message.Content, nil
}

// Executor runs checkpoint attempts, enforcing that at most one attempt per
// conversation key is ever actually issued to upstream concurrently. This
// is belt-and-suspenders alongside BufferEngine's mutex-and-epoch
// discipline: the epoch check is what makes stale results safe to discard,
// singleflight is what avoids doing the redundant upstream work at all.
type Executor struct {
	group singleflight.Group
}

// NewExecutor constructs an Executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// Run issues a summarization call for snapshot via upstream. minTokens is
// the conversation's configured compaction trigger (§6
// COMPACT_TRIGGER_TOKENS); if the snapshot's estimated size is below it,
// Run returns TooSmall without ever calling upstream.
func (e *Executor) Run(ctx context.Context, key string, snapshot Snapshot, upstream UpstreamClient, minTokens int) (string, error) {
	if minTokens > 0 && snapshot.EstimatedTokens < minTokens {
		return "", TooSmall
	}

	type result struct {
		summary string
		err     error
	}

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		summary, err := upstream.Summarize(ctx, snapshot.Model, snapshot.Messages, snapshot.AuthHeader, snapshot.AuthValue)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return result{err: &NetworkError{Err: ctx.Err()}}, nil
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return result{err: Cancelled}, nil
			}
			return result{err: err}, nil
		}
		return result{summary: summary}, nil
	})
	if err != nil {
		return "", &NetworkError{Err: err}
	}
	r := v.(result)
	return r.summary, r.err
}

// BackoffDelay implements the exponential backoff schedule from §4.5: base
// delay 30s doubling per consecutive failure, capped at 10 minutes.
func BackoffDelay(consecutiveFailures int) time.Duration {
	const base = 30 * time.Second
	const capDelay = 10 * time.Minute
	if consecutiveFailures <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < consecutiveFailures; i++ {
		delay *= 2
		if delay >= capDelay {
			return capDelay
		}
	}
	return delay
}
