package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/proxypilot/compaction-accelerator/internal/api/middleware"
	"github.com/proxypilot/compaction-accelerator/internal/config"
	"github.com/proxypilot/compaction-accelerator/internal/logging"
	"github.com/proxypilot/compaction-accelerator/internal/store"
)

// Server bundles the dashboard's HTTP surface: the snapshot/detail
// endpoints, the WebSocket hub, and the reset command shared with the
// proxy port's /v1/_reset route.
type Server struct {
	Store *store.Store
	Hub   *Hub
	Cfg   *config.Config
}

// NewServer constructs a dashboard Server and its Hub, wiring resetFunc to
// st.Reset.
func NewServer(st *store.Store, cfg *config.Config) *Server {
	hub := NewHub(st, st.Reset)
	return &Server{Store: st, Hub: hub, Cfg: cfg}
}

// RegisterRoutes attaches the dashboard's HTTP routes to r.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", s.handleHealth)
	r.GET("/dashboard/api/conversations", s.handleConversations)
	r.GET("/dashboard/api/conversation/:key", s.handleConversation)
	r.GET("/dashboard/api/logs", s.handleLogs)
	r.GET("/dashboard/ws", s.handleWS)
}

// RegisterResetRoute attaches POST /v1/_reset, exposed on the proxy port
// per §6 rather than the dashboard port.
func (s *Server) RegisterResetRoute(r gin.IRouter) {
	r.POST("/v1/_reset", s.handleReset)
}

func (s *Server) handleHealth(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"conversations":      len(s.Store.Snapshot()),
		"passthrough":        s.Cfg.Passthrough,
		"active_connections": middleware.GetActiveConnections(),
	})
}

func (s *Server) handleConversations(c *gin.Context) {
	c.JSON(http.StatusOK, s.Store.Snapshot())
}

func (s *Server) handleConversation(c *gin.Context) {
	key := c.Param("key")
	state, ok := s.Store.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	state.Lock()
	view := state.Snapshot()
	state.Unlock()
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleWS(c *gin.Context) {
	s.Hub.ServeWS(c.Writer, c.Request)
}

// handleLogs serves the tail of the in-process ring buffer so the dashboard
// can show recent activity without re-reading the rotated log file. ?n=
// bounds how many entries come back; defaults to the buffer's full capacity.
func (s *Server) handleLogs(c *gin.Context) {
	n := logging.DefaultBufferSize
	if raw := c.Query("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	c.JSON(http.StatusOK, logging.GetRecentGlobalEntries(n))
}

// resetRequest is the optional body of POST /v1/_reset; an absent or empty
// conv_id resets every tracked conversation.
type resetRequest struct {
	ConvID string `json:"conv_id"`
}

func (s *Server) handleReset(c *gin.Context) {
	var req resetRequest
	if c.Request.ContentLength != 0 {
		body, _ := c.GetRawData()
		if len(body) > 0 {
			_ = json.Unmarshal(body, &req)
		}
	}
	s.Store.Reset(req.ConvID, req.ConvID == "")
	c.JSON(http.StatusOK, gin.H{"reset": true})
}
