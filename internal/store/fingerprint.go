package store

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// Fingerprint derives the conversation key for an inbound request. It tries,
// in order: a stable session header, a session-shaped JSON field in the
// tolerant body, a hash of the first message's content plus the first user
// message, and finally a hash of the authorization header plus user-agent
// plus remote address so distinct anonymous clients don't collide. The
// header and JSON-field cases give same logical session -> same key across
// reconnects; the hash fallback still separates concurrent
// distinct clients that never send an explicit session identifier.
func Fingerprint(req *http.Request, body []byte) string {
	if req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Session-Id")); v != "" {
			return "hdr_" + v
		}
		if v := strings.TrimSpace(req.Header.Get("X-Conversation-Id")); v != "" {
			return "hdr_" + v
		}
	}
	if v := gjson.GetBytes(body, "session_id"); v.Exists() && v.Type == gjson.String && v.String() != "" {
		return "sid_" + v.String()
	}
	if v := gjson.GetBytes(body, "metadata.session_id"); v.Exists() && v.Type == gjson.String && v.String() != "" {
		return "sid_" + v.String()
	}
	if v := gjson.GetBytes(body, "conversation_id"); v.Exists() && v.Type == gjson.String && v.String() != "" {
		return "sid_" + v.String()
	}

	systemPrompt := gjson.GetBytes(body, "messages.0.content").String()
	firstUser := ""
	for _, m := range gjson.GetBytes(body, "messages").Array() {
		if m.Get("role").String() == "user" {
			firstUser = m.Get("content").String()
			break
		}
	}
	if systemPrompt != "" || firstUser != "" {
		sum := sha256.Sum256([]byte(systemPrompt + "\x00" + firstUser))
		return "content_" + hex.EncodeToString(sum[:8])
	}

	ua, auth, remote := "", "", ""
	if req != nil {
		ua = req.Header.Get("User-Agent")
		auth = req.Header.Get("Authorization")
		remote = req.RemoteAddr
	}
	sum := sha256.Sum256([]byte(auth + "|" + ua + "|" + remote))
	return "anon_" + hex.EncodeToString(sum[:8])
}
