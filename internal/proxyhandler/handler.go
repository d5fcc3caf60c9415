// Package proxyhandler is the request-path glue between the client-facing
// gin routes and ConversationStore/CompactionDetector/BufferEngine.
package proxyhandler

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/proxypilot/compaction-accelerator/internal/buffer"
	"github.com/proxypilot/compaction-accelerator/internal/config"
	"github.com/proxypilot/compaction-accelerator/internal/detector"
	apperrors "github.com/proxypilot/compaction-accelerator/internal/errors"
	"github.com/proxypilot/compaction-accelerator/internal/logging"
	"github.com/proxypilot/compaction-accelerator/internal/store"
	"github.com/proxypilot/compaction-accelerator/internal/tokenizer"
	"github.com/proxypilot/compaction-accelerator/internal/util"
)

// hopByHopHeaders are stripped before forwarding in either direction, per
// RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// maxBufferedBody caps how much of a request body ProxyHandler will buffer
// in memory for tolerant JSON inspection.
const maxBufferedBody = 32 << 20 // 32MiB

// Handler wires ConversationStore, CompactionDetector, and BufferEngine into
// the client-facing request path.
type Handler struct {
	Store    *store.Store
	Engine   *buffer.Engine
	Cfg      *config.Config
	Upstream *http.Client
}

// New constructs a Handler; upstream may be nil to fall back to
// http.DefaultClient.
func New(st *store.Store, eng *buffer.Engine, cfg *config.Config, upstream *http.Client) *Handler {
	if upstream == nil {
		upstream = http.DefaultClient
	}
	return &Handler{Store: st, Engine: eng, Cfg: cfg, Upstream: upstream}
}

// ServeHTTP is the gin handler registered for every upstream-bound path
// (chat/completions, completions, messages, responses, and any other path
// the client sends, forwarded unmodified).
func (h *Handler) ServeHTTP(c *gin.Context) {
	body, err := readLimited(c.Request.Body, maxBufferedBody)
	if err != nil {
		appErr := apperrors.ClientRequestMalformed(err)
		appErr.Details = map[string]interface{}{"request_id": logging.GetGinRequestID(c)}
		c.JSON(appErr.HTTPStatusCode, appErr)
		return
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		log.WithField("path", c.Request.URL.Path).Debug(string(util.RedactSensitiveJSON(body)))
	}

	model := gjson.GetBytes(body, "model").String()
	fingerprint := store.Fingerprint(c.Request, body)

	state, _ := h.Store.GetOrCreate(fingerprint, model)
	messages := extractMessages(body)

	var classification detector.Result
	var decision buffer.Decision

	h.Store.WithState(state.Key, func(s *store.ConversationState) {
		appendNewMessages(s, messages)
		if s.Model == "" {
			s.Model = model
		}
		estimated := tokenizer.EstimateTokens(s.Model, toTokenizerMessages(s.Messages))
		if estimated > s.TotalInputTokens {
			s.TotalInputTokens = estimated
		}
		s.RecomputeUtilization()
		s.LastActivityAt = time.Now()

		if header, value := inboundAuthCredential(c.Request); value != "" {
			s.AuthHeader = header
			s.AuthValue = value
		}

		classification = detector.Classify(c.Request.URL.Path, body)

		if !h.Cfg.Passthrough {
			decision = h.Engine.Decide(s, classification)
		}
	})

	if decision.Substitute {
		h.writeSubstituteResponse(c, model, decision.Content, isStreamingRequest(body))
		h.Store.WithState(state.Key, func(s *store.ConversationState) {
			h.Engine.CompleteSwap(s)
		})
		return
	}

	h.forward(c, state.Key, body)
}

// forward proxies the request upstream byte-faithfully, observing the
// response to extract the authoritative token usage before re-evaluating
// the state machine. In passthrough mode the token total is still updated
// but the state machine is not re-evaluated.
func (h *Handler) forward(c *gin.Context, key string, body []byte) {
	upstreamURL := strings.TrimRight(h.Cfg.UpstreamBaseURL, "/") + c.Request.URL.Path
	if rq := c.Request.URL.RawQuery; rq != "" {
		upstreamURL += "?" + rq
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		appErr := apperrors.NetworkError(err)
		appErr.Details = map[string]interface{}{"request_id": logging.GetGinRequestID(c)}
		c.JSON(appErr.HTTPStatusCode, appErr)
		return
	}
	copyHeaders(req.Header, c.Request.Header)
	req.ContentLength = int64(len(body))

	resp, err := h.Upstream.Do(req)
	if err != nil {
		appErr := apperrors.NetworkError(err)
		appErr.Details = map[string]interface{}{"request_id": logging.GetGinRequestID(c)}
		c.JSON(appErr.HTTPStatusCode, appErr)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyHeaders(c.Writer.Header(), resp.Header)
	c.Writer.WriteHeader(resp.StatusCode)

	usageTee := &usageObserver{}
	flusher, _ := c.Writer.(http.Flusher)
	_, copyErr := io.Copy(io.MultiWriter(c.Writer, usageTee), flushingReader{resp.Body, flusher})
	if copyErr != nil {
		log.WithError(copyErr).WithField("key", key).Warn("error streaming upstream response to client")
	}

	usageBytes := usageTee.buf
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Encoding")), "gzip") {
		if decoded, err := gunzipBestEffort(usageBytes); err == nil {
			usageBytes = decoded
		}
	}

	h.Store.WithState(key, func(s *store.ConversationState) {
		if tokens, ok := promptTokensFrom(usageBytes); ok {
			s.TotalInputTokens = tokens
		} else {
			log.WithField("key", key).Debug("upstream omitted usage; keeping tokenizer estimate")
		}
		s.RecomputeUtilization()
	})
	if h.Cfg.Passthrough {
		return
	}
	h.Engine.Advance(key)
}

// writeSubstituteResponse synthesizes a compaction response carrying
// content in place of forwarding to upstream.
func (h *Handler) writeSubstituteResponse(c *gin.Context, model, content string, streaming bool) {
	if streaming {
		writeSSESubstitute(c, content)
		return
	}

	tokens := tokenizer.EstimateTokens(model, []tokenizer.Message{{Role: "assistant", Content: content}})
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "id", "checkpoint-swap")
	body, _ = sjson.SetBytes(body, "object", "chat.completion")
	body, _ = sjson.SetBytes(body, "model", model)
	body, _ = sjson.SetBytes(body, "choices.0.index", 0)
	body, _ = sjson.SetBytes(body, "choices.0.message.role", "assistant")
	body, _ = sjson.SetBytes(body, "choices.0.message.content", content)
	body, _ = sjson.SetBytes(body, "choices.0.finish_reason", "stop")
	body, _ = sjson.SetBytes(body, "usage.completion_tokens", tokens)
	body, _ = sjson.SetBytes(body, "usage.prompt_tokens", 0)
	body, _ = sjson.SetBytes(body, "usage.total_tokens", tokens)

	c.Data(http.StatusOK, "application/json", body)
}

// writeSSESubstitute emits the Server-Sent-Events sequence a streaming
// client expects, ending with a [DONE] sentinel frame (§4.5).
func writeSSESubstitute(c *gin.Context, content string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	flusher, _ := c.Writer.(http.Flusher)

	frame := func(eventType string, payload []byte) {
		_, _ = c.Writer.Write([]byte("event: " + eventType + "\ndata: " + string(payload) + "\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}

	frame("response.created", []byte(`{"type":"response.created"}`))
	frame("response.in_progress", []byte(`{"type":"response.in_progress"}`))
	frame("response.output_item.added", []byte(`{"type":"response.output_item.added"}`))
	frame("response.content_part.added", []byte(`{"type":"response.content_part.added"}`))

	const chunkSize = 512
	for i := 0; i < len(content); i += chunkSize {
		end := i + chunkSize
		if end > len(content) {
			end = len(content)
		}
		delta, _ := sjson.Set(`{"type":"response.output_text.delta"}`, "delta", content[i:end])
		frame("response.output_text.delta", []byte(delta))
	}

	frame("response.output_text.done", []byte(`{"type":"response.output_text.done"}`))
	frame("response.output_item.done", []byte(`{"type":"response.output_item.done"}`))
	frame("response.completed", []byte(`{"type":"response.completed"}`))
	_, _ = c.Writer.Write([]byte("data: [DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

// inboundAuthCredential returns the header name/value the proxy should
// reuse verbatim for this conversation's background checkpoint call. The
// proxy carries no credentials of its own for the upstream host, so it
// checks Authorization (bearer-token-shaped clients) first, then x-api-key
// (api-key-shaped clients), matching the two auth shapes upstream accepts.
func inboundAuthCredential(r *http.Request) (header, value string) {
	if v := r.Header.Get("Authorization"); v != "" {
		return "Authorization", v
	}
	if v := r.Header.Get("x-api-key"); v != "" {
		return "x-api-key", v
	}
	return "", ""
}

func isStreamingRequest(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

func extractMessages(body []byte) []store.Message {
	var out []store.Message
	if arr := gjson.GetBytes(body, "messages"); arr.Exists() && arr.IsArray() {
		for _, m := range arr.Array() {
			out = append(out, store.Message{
				Role:           m.Get("role").String(),
				ContentPreview: messageContentText(m),
			})
		}
		return out
	}
	if arr := gjson.GetBytes(body, "input"); arr.Exists() && arr.IsArray() {
		for _, m := range arr.Array() {
			out = append(out, store.Message{
				Role:           m.Get("role").String(),
				ContentPreview: messageContentText(m),
			})
		}
	}
	return out
}

func messageContentText(m gjson.Result) string {
	content := m.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var sb strings.Builder
		for _, part := range content.Array() {
			if text := part.Get("text"); text.Exists() {
				sb.WriteString(text.String())
			}
		}
		return sb.String()
	}
	return ""
}

// appendNewMessages appends messages observed beyond what is already
// tracked, preserving order (§4.6 step 3).
func appendNewMessages(s *store.ConversationState, observed []store.Message) {
	if len(observed) <= len(s.Messages) {
		return
	}
	for _, m := range observed[len(s.Messages):] {
		m.TokenEstimate = tokenizer.EstimateTokens(s.Model, []tokenizer.Message{{Role: m.Role, Content: m.ContentPreview}})
		s.Messages = append(s.Messages, m)
	}
}

func toTokenizerMessages(messages []store.Message) []tokenizer.Message {
	out := make([]tokenizer.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, tokenizer.Message{Role: m.Role, Content: m.ContentPreview})
	}
	return out
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit+1))
}

// flushingReader wraps an io.Reader and flushes after every non-empty Read,
// preserving the "no buffering of full bodies, flush per SSE frame" rule
// (§9) for streamed upstream responses.
type flushingReader struct {
	r io.Reader
	f http.Flusher
}

func (fr flushingReader) Read(p []byte) (int, error) {
	n, err := fr.r.Read(p)
	if n > 0 && fr.f != nil {
		fr.f.Flush()
	}
	return n, err
}

// usageObserverWindow bounds how many trailing bytes usageObserver retains.
// The authoritative usage object is either the tail of a non-streamed JSON
// body or the last few streamed SSE frames (§9), never the head, so the
// window must slide forward with the stream rather than freeze at byte zero.
const usageObserverWindow = 1 << 20

// usageObserver is a side io.Writer that retains a bounded trailing window
// of the streamed or non-streamed response bytes, just enough to extract a
// usage object without buffering the full body separately from what is
// already streamed to the client.
type usageObserver struct {
	buf []byte
}

func (u *usageObserver) Write(p []byte) (int, error) {
	u.buf = append(u.buf, p...)
	if len(u.buf) > usageObserverWindow {
		u.buf = append([]byte(nil), u.buf[len(u.buf)-usageObserverWindow:]...)
	}
	return len(p), nil
}

// gunzipBestEffort decodes a possibly-truncated gzip stream; it returns
// whatever bytes the reader produced before EOF. It only succeeds when the
// gzip header is still within usageObserver's trailing window, i.e. the
// whole compressed body fits in usageObserverWindow; a gzip-encoded body
// longer than that has already lost its header to the sliding window and
// falls back to the tokenizer estimate via promptTokensFrom's caller.
func gunzipBestEffort(compressed []byte) ([]byte, error) {
	gzr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = gzr.Close() }()
	decoded, _ := io.ReadAll(gzr)
	return decoded, nil
}

// promptTokensFrom extracts the authoritative prompt/input token count from
// either a non-streamed body's top-level usage object or, for an SSE
// stream, the first data frame in data carrying usage.prompt_tokens or
// response.usage.input_tokens (§4.6 step 6). Values are not summed across
// frames.
func promptTokensFrom(data []byte) (int, bool) {
	if v := gjson.GetBytes(data, "usage.prompt_tokens"); v.Exists() {
		return int(v.Int()), true
	}
	// SSE stream: scan "data: {...}" lines for a usage field.
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimPrefix(line, []byte("data: "))
		line = bytes.TrimSpace(line)
		if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
			continue
		}
		if v := gjson.GetBytes(line, "usage.prompt_tokens"); v.Exists() {
			return int(v.Int()), true
		}
		if v := gjson.GetBytes(line, "response.usage.input_tokens"); v.Exists() {
			return int(v.Int()), true
		}
	}
	return 0, false
}
