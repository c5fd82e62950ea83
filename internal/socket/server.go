// Package socket serves the control plane protocol over websockets and
// speaks it as a client to reach remote agents.
package socket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.HasSuffix(origin, "://"+r.Host)
	},
}

// Server upgrades HTTP requests to protocol channels.
type Server struct {
	ctx        context.Context
	hub        *Hub
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewServer creates a Server. Requests run under ctx rather than the
// lifetime of their connection.
func NewServer(ctx context.Context, hub *Hub, dispatcher *Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ctx: ctx, hub: hub, dispatcher: dispatcher, logger: logger.With("module", "socket")}
}

// Handle is the gin handler for the socket endpoint.
func (s *Server) Handle(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "remote", c.ClientIP(), "err", err)
		return
	}

	ch := newChannel(conn, c.ClientIP(), s.hub, s.logger)
	s.hub.register(ch)
	go ch.writePump()
	ch.readPump(s.ctx, s.dispatcher)
}
