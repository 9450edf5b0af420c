package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrConnClosed    = errors.New("relay: connection closed")
	ErrSendQueueFull = errors.New("relay: send queue full")
)

// wsConn adapts one gorilla connection to registry.Conn. Send only enqueues;
// writePump owns every data write on the socket.
type wsConn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	open   atomic.Bool
	once   sync.Once
	remote string
	cfg    ServiceConfig
}

func newWSConn(ws *websocket.Conn, cfg ServiceConfig) *wsConn {
	c := &wsConn{
		ws:     ws,
		send:   make(chan []byte, cfg.SendQueue),
		done:   make(chan struct{}),
		remote: ws.RemoteAddr().String(),
		cfg:    cfg,
	}
	c.open.Store(true)
	return c
}

func (c *wsConn) Send(payload []byte) error {
	if !c.open.Load() {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *wsConn) Open() bool {
	return c.open.Load()
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

// Close marks the connection closed, stops the write pump and closes the
// socket. Safe to call more than once.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.open.Store(false)
		close(c.done)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// writePump drains the send queue and keeps the peer alive with pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer ticker.Stop()
	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump passes each data frame to dispatch in order until the socket
// fails or ctx ends.
func (c *wsConn) readPump(ctx context.Context, dispatch func(context.Context, []byte)) error {
	c.ws.SetReadLimit(c.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind, raw, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		dispatch(ctx, raw)
	}
}
