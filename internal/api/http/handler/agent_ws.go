package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/EternisAI/silo-fleet/internal/agentconn"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
	wsBufferSize = 4096
)

type ConnServer interface {
	Serve(ctx context.Context, fc agentconn.FrameConn) error
}

type AgentWSHandler struct {
	conns       ConnServer
	readTimeout time.Duration
	upgrader    websocket.Upgrader
}

// NewAgentWSHandler serves agents over websocket. A connection that sends
// nothing for readTimeout is dropped; zero disables the deadline.
func NewAgentWSHandler(conns ConnServer, readTimeout time.Duration) *AgentWSHandler {
	return &AgentWSHandler{
		conns:       conns,
		readTimeout: readTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Connect upgrades the request and runs the agent connection until it ends
// GET /ws/agent
func (h *AgentWSHandler) Connect(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		respondError(c, http.StatusBadRequest, "Require WebSocket upgrade")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Failed to upgrade agent connection", "client_ip", c.ClientIP(), "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	err = h.conns.Serve(c.Request.Context(), &wsConn{conn: conn, readTimeout: h.readTimeout})
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Debug("Agent websocket ended", "client_ip", c.ClientIP(), "error", err)
	}
}

// wsConn adapts a websocket to agentconn.FrameConn. Only the connection's
// send loop writes, so writes need no lock.
type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
}

func (w *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	for {
		if w.readTimeout > 0 {
			if err := w.conn.SetReadDeadline(time.Now().Add(w.readTimeout)); err != nil {
				return nil, err
			}
		}
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (w *wsConn) WriteFrame(ctx context.Context, data []byte) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

func (w *wsConn) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}
