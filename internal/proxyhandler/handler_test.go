package proxyhandler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxypilot/compaction-accelerator/internal/buffer"
	"github.com/proxypilot/compaction-accelerator/internal/checkpoint"
	"github.com/proxypilot/compaction-accelerator/internal/config"
	"github.com/proxypilot/compaction-accelerator/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandler(t *testing.T, upstreamServer *httptest.Server) (*Handler, *store.Store) {
	t.Helper()
	st := store.New(0, nil)
	exec := checkpoint.NewExecutor()
	up := checkpoint.NewHTTPUpstreamClient(upstreamServer.URL, "", "")
	cfg := &config.Config{UpstreamBaseURL: upstreamServer.URL}
	eng := buffer.New(st, exec, up, cfg, nil)
	return New(st, eng, cfg, upstreamServer.Client()), st
}

func chatRequestBody(text string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"model": "tiny",
		"messages": []map[string]string{
			{"role": "system", "content": "sys"},
			{"role": "user", "content": text},
		},
	})
	return b
}

func performRequest(h *Handler, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(body)))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Request.Header.Set("X-Session-Id", "test-session")
	h.ServeHTTP(c)
	return w
}

func TestServeHTTP_ForwardsOrdinaryRequestByteFaithfully(t *testing.T) {
	upstreamBody := `{"id":"resp-1","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":12}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upstreamBody))
	}))
	defer upstream.Close()

	h, st := newTestHandler(t, upstream)
	body := chatRequestBody("please fix the bug")
	w := performRequest(h, body)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, upstreamBody, w.Body.String())

	state, ok := st.Get("hdr_test-session")
	require.True(t, ok)
	state.Lock()
	assert.Equal(t, 12, state.TotalInputTokens)
	state.Unlock()
}

func TestServeHTTP_SubstitutesFromReadyCheckpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called when substituting")
	}))
	defer upstream.Close()

	h, st := newTestHandler(t, upstream)

	state, _ := st.GetOrCreate("hdr_test-session", "tiny")
	content := "SUMMARY-X"
	state.Lock()
	state.Phase = store.PhaseWALActive
	state.CheckpointContent = &content
	walStart := 2
	state.WALStartIndex = &walStart
	state.Unlock()

	body := chatRequestBody("please create a detailed summary of the conversation so far")
	// pad history so the detector's non-trivial-history guard passes
	var parsed map[string]interface{}
	_ = json.Unmarshal(body, &parsed)
	msgs := parsed["messages"].([]interface{})
	padded := []interface{}{msgs[0]}
	for i := 0; i < 3; i++ {
		padded = append(padded, map[string]string{"role": "user", "content": "turn"}, map[string]string{"role": "assistant", "content": "reply"})
	}
	padded = append(padded, msgs[1])
	parsed["messages"] = padded
	body, _ = json.Marshal(parsed)

	w := performRequest(h, body)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	choices := resp["choices"].([]interface{})
	msg := choices[0].(map[string]interface{})["message"].(map[string]interface{})
	assert.Equal(t, "SUMMARY-X", msg["content"])

	state.Lock()
	assert.Equal(t, store.PhaseIdle, state.Phase)
	assert.Nil(t, state.CheckpointContent)
	state.Unlock()
}

func TestServeHTTP_CapturesUsageFromTrailingFrameOfLargeStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		padding := strings.Repeat("x", 1000)
		// Push well past usageObserverWindow (1MiB) before the authoritative
		// usage frame arrives, so only a trailing-window buffer ever sees it.
		for i := 0; i < 1500; i++ {
			_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"" + padding + "\"}}]}\n\n"))
			if flusher != nil {
				flusher.Flush()
			}
		}
		_, _ = w.Write([]byte(`data: {"usage":{"prompt_tokens":54321}}` + "\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	h, st := newTestHandler(t, upstream)
	body := chatRequestBody("please fix the bug")
	w := performRequest(h, body)

	require.Equal(t, http.StatusOK, w.Code)

	state, ok := st.Get("hdr_test-session")
	require.True(t, ok)
	state.Lock()
	assert.Equal(t, 54321, state.TotalInputTokens)
	state.Unlock()
}

func TestServeHTTP_ClientRequestMalformedReturns400(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()
	h, _ := newTestHandler(t, upstream)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", &erroringReader{})
	h.ServeHTTP(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type erroringReader struct{}

func (e *erroringReader) Read(p []byte) (int, error) { return 0, errors.New("simulated read failure") }
