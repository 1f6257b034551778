package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mattjoyce/scriptd/internal/protocol"
)

type Kind string

const (
	KindTab   Kind = "tab"
	KindPage  Kind = "page"
	KindShell Kind = "shell"
)

var (
	errBufferFull = errors.New("send buffer full")
	errClosed     = errors.New("connection closed")
)

type conn struct {
	id    string
	kind  Kind
	src   protocol.Source
	tabID int
	ws    *websocket.Conn

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(id string, kind Kind, src protocol.Source, ws *websocket.Conn, buffer int) *conn {
	c := &conn{
		id:   id,
		kind: kind,
		src:  src,
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	if tab, ok := src.(protocol.TabSource); ok {
		c.tabID = tab.Tab.ID
	}
	return c
}

// enqueue never blocks; a slow peer loses frames instead.
func (c *conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return errClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errBufferFull
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// writePump owns every write to ws, including pings and the close frame.
func (c *conn) writePump(ping, writeWait time.Duration) {
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
