// Package dashboard implements DashboardPublisher: an HTTP snapshot/detail
// surface and a WebSocket event channel over ConversationStore state,
// driven by BufferEngine's Notifier callback.
package dashboard

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/proxypilot/compaction-accelerator/internal/store"
)

// Event is one WebSocket frame. Type discriminates initial_state,
// state_update, api_error (server-sent) and reset_conversation
// (client-sent).
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

const (
	eventInitialState    = "initial_state"
	eventStateUpdate     = "state_update"
	eventAPIError        = "api_error"
	eventResetConversion = "reset_conversation"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is local tooling, not a public API; every Origin is
	// accepted instead of the library default same-origin check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// resetFunc is how the hub asks ConversationStore to reset a conversation
// in response to a client's reset_conversation frame.
type resetFunc func(convID string, all bool)

// subscriber is one connected WebSocket client. Each tracked conversation
// gets its own size-1 buffered channel so a burst of updates coalesces to
// "at most one in flight, keep latest" per conversation (§4.7).
type subscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex // serializes writes (gorilla/websocket requirement)

	mu     sync.Mutex
	queues map[string]chan store.View
	done   chan struct{}
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{
		conn:   conn,
		queues: make(map[string]chan store.View),
		done:   make(chan struct{}),
	}
}

// publish delivers view for its conversation, dropping any update still
// queued for the same conversation rather than blocking.
func (s *subscriber) publish(view store.View) {
	s.mu.Lock()
	q, ok := s.queues[view.Key]
	if !ok {
		q = make(chan store.View, 1)
		s.queues[view.Key] = q
		go s.drain(view.Key, q)
	}
	s.mu.Unlock()

	select {
	case q <- view:
	default:
		select {
		case <-q:
		default:
		}
		select {
		case q <- view:
		default:
		}
	}
}

// drain is the per-conversation fan-out goroutine that serializes writes to
// the subscriber's WebSocket connection (gorilla/websocket requires a
// single writer at a time).
func (s *subscriber) drain(key string, q chan store.View) {
	for {
		select {
		case <-s.done:
			return
		case view := <-q:
			if err := s.writeEvent(Event{Type: eventStateUpdate, Data: view}); err != nil {
				log.WithError(err).WithField("key", key).Debug("dashboard subscriber write failed")
				return
			}
		}
	}
}

func (s *subscriber) writeEvent(evt Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(evt)
}

func (s *subscriber) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	_ = s.conn.Close()
}

// Hub fans out ConversationStore state-change notifications to every
// connected dashboard WebSocket client and serves the reset command.
type Hub struct {
	store *store.Store
	reset resetFunc

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub constructs a Hub bound to st. reset is called for a client-sent
// reset_conversation frame.
func NewHub(st *store.Store, reset resetFunc) *Hub {
	return &Hub{store: st, reset: reset, subs: make(map[*subscriber]struct{})}
}

// Broadcast is the BufferEngine Notifier: it fans view out to every
// connected subscriber, coalescing per-conversation per §4.7.
func (h *Hub) Broadcast(view store.View) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		sub.publish(view)
	}
}

// ServeWS upgrades the request to a WebSocket connection, sends the current
// snapshot as initial_state, then relays broadcasts until the client
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("dashboard websocket upgrade failed")
		return
	}

	sub := newSubscriber(conn)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sub.close()
	}()

	if err := sub.writeEvent(Event{Type: eventInitialState, Data: h.store.Snapshot()}); err != nil {
		return
	}

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go h.pingLoop(sub)
	h.readLoop(sub)
}

func (h *Hub) pingLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			sub.writeMu.Lock()
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := sub.conn.WriteMessage(websocket.PingMessage, nil)
			sub.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readLoop blocks reading client-sent frames (currently only
// reset_conversation) until the connection closes.
func (h *Hub) readLoop(sub *subscriber) {
	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			return
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			_ = sub.writeEvent(Event{Type: eventAPIError, Data: "malformed frame"})
			continue
		}
		if evt.Type != eventResetConversion {
			continue
		}
		h.handleReset(evt.Data)
	}
}

func (h *Hub) handleReset(data interface{}) {
	payload, _ := data.(map[string]interface{})
	convID, _ := payload["conv_id"].(string)
	all := convID == ""
	h.reset(convID, all)
}
