// Package ws bridges websocket clients onto the chat broker. A browser peer
// speaks the same JSON frames as a TCP client, one frame per text message,
// and is served by the same session machinery.
package ws

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"parloir/internal/core"
	"parloir/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeTimeout = 5 * time.Second

// Handler owns the websocket transport.
type Handler struct {
	reg      *core.Registry
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the broker registry.
func NewHandler(reg *core.Registry) *Handler {
	return &Handler{
		reg: reg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect. The
// session's receive loop runs on this handler goroutine.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.reg.Serve(newWSConn(conn))
	return nil
}

// wsConn adapts a gorilla connection to the broker's framed transport. Unlike
// the TCP codec it reads without a deadline: a websocket connection is dead
// for good once a read deadline fires, so shutdown is observed through Close
// unblocking the pending read instead of through timeout ticks.
type wsConn struct {
	c *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(protocol.MaxFrameBytes)
	return &wsConn{c: c}
}

func (w *wsConn) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (w *wsConn) WriteFrame(data []byte) error {
	_ = w.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

func (w *wsConn) RemoteAddr() net.Addr {
	return w.c.RemoteAddr()
}
