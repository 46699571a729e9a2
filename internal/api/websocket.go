package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"webforge/internal/events"
	"webforge/internal/logging"
	"webforge/internal/middleware"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

func (s *Server) upgrader() *websocket.Upgrader {
	allowed := make(map[string]bool, len(s.opts.AllowedOrigins))
	for _, o := range s.opts.AllowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.opts.AllowAnyOrigin || allowed["*"] || allowed[origin]
		},
	}
}

// StreamEvents upgrades to a WebSocket and relays the project's events as
// JSON text frames, replaying the retained history first. The server closes
// the connection after the terminal event.
func (s *Server) StreamEvents(c *gin.Context) {
	projectID := c.Param("project")
	sub, err := s.publisher.Subscribe(projectID)
	if errors.Is(err, events.ErrNoStream) {
		resp := middleware.NewErrorResponse(c, "project has no active build", "NO_ACTIVE_BUILD")
		if snap := s.snapshotOrNil(c, projectID); snap != nil {
			resp.Details = map[string]interface{}{"last_known": snap}
		}
		c.AbortWithStatusJSON(http.StatusNotFound, resp)
		return
	}
	if err != nil {
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "failed to subscribe", "SUBSCRIBE_FAILED")
		return
	}
	defer sub.Close()

	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("project_id", projectID), zap.Error(err))
		return
	}
	defer conn.Close()

	s.metrics.RecordWebSocketConnection(1)
	defer s.metrics.RecordWebSocketConnection(-1)
	log := logging.ForProject(s.log, projectID)
	log.Debug("event stream connected")

	// The read side only handles control frames; a client close or read
	// error ends the subscription.
	go func() {
		defer sub.Close()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("event stream read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("event stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
