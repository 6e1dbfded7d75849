package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coedit/internal/metrics"
	"coedit/internal/models"
)

const (
	DefaultQueueSize = 64
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// Client is one connection's outbound side. Send only enqueues; WritePump
// owns the socket writes, so frames reach the peer in the order they were sent.
type Client struct {
	Conn   *websocket.Conn
	mu     sync.Mutex
	hook   func(models.WSFrame)
	queue  chan models.WSFrame
	done   chan struct{}
	closed bool
}

func NewClient(conn *websocket.Conn) *Client { return NewClientWithQueue(conn, DefaultQueueSize) }

func NewClientWithQueue(conn *websocket.Conn, size int) *Client {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Client{
		Conn:  conn,
		queue: make(chan models.WSFrame, size),
		done:  make(chan struct{}),
	}
}

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.WSFrame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send queues frame without blocking. A client whose queue is full is a slow
// consumer: it is closed and must reconnect and resync.
func (c *Client) Send(frame models.WSFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.hook != nil {
		c.hook(frame)
		return true
	}
	select {
	case c.queue <- frame:
		return true
	default:
		metrics.DroppedFrame(frame.Type)
		c.closeLocked()
		return false
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// WritePump drains the queue to the socket until the client is closed.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame := <-c.queue:
			if c.Conn == nil {
				continue
			}
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if c.Conn == nil {
				continue
			}
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
