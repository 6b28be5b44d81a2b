package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/arloliu/go-carvera/logger"
)

// client is one websocket connection. Notifications are queued and written by
// writeLoop; a client that falls behind loses notifications instead of stalling
// the others.
type client struct {
	id     string
	conn   *websocket.Conn
	logger logger.Logger
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, queueSize int, l logger.Logger) *client {
	return &client{
		id:     id,
		conn:   conn,
		logger: l,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
	}
}

func (c *client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warn("web message encode failed", "id", c.id, "error", err)
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logger.Warn("web client too slow, notification dropped", "id", c.id)
	}
}

func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
