package store

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newReq(headers map[string]string) *http.Request {
	req, _ := http.NewRequest(http.MethodPost, "http://localhost/v1/chat/completions", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestFingerprint_PrefersSessionHeader(t *testing.T) {
	req := newReq(map[string]string{"X-Session-Id": "abc123"})
	assert.Equal(t, "hdr_abc123", Fingerprint(req, nil))
}

func TestFingerprint_FallsBackToJSONField(t *testing.T) {
	req := newReq(nil)
	body := []byte(`{"session_id":"xyz789","messages":[]}`)
	assert.Equal(t, "sid_xyz789", Fingerprint(req, body))
}

func TestFingerprint_FallsBackToContentHash(t *testing.T) {
	req := newReq(nil)
	body := []byte(`{"messages":[{"role":"system","content":"you are helpful"},{"role":"user","content":"hello"}]}`)
	key1 := Fingerprint(req, body)
	key2 := Fingerprint(req, body)
	assert.Equal(t, key1, key2)
	assert.Contains(t, key1, "content_")
}

func TestFingerprint_DifferentContentDifferentKey(t *testing.T) {
	req := newReq(nil)
	bodyA := []byte(`{"messages":[{"role":"user","content":"session A"}]}`)
	bodyB := []byte(`{"messages":[{"role":"user","content":"session B"}]}`)
	assert.NotEqual(t, Fingerprint(req, bodyA), Fingerprint(req, bodyB))
}

func TestFingerprint_AnonymousFallbackIsStablePerClient(t *testing.T) {
	req := newReq(map[string]string{"Authorization": "Bearer tok", "User-Agent": "test-agent"})
	body := []byte(`{}`)
	key1 := Fingerprint(req, body)
	key2 := Fingerprint(req, body)
	assert.Equal(t, key1, key2)
	assert.Contains(t, key1, "anon_")
}

func TestFingerprint_SameSessionAcrossReconnect(t *testing.T) {
	body := []byte(`{"session_id":"stable-session"}`)
	req1 := newReq(nil)
	req2 := newReq(nil) // simulates a second, distinct TCP connection
	assert.Equal(t, Fingerprint(req1, body), Fingerprint(req2, body))
}
