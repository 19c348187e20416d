package chat

import (
	"sync"
	"time"

	"RandChat/logger"
	"RandChat/service/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client 一条 websocket 连接。认证前 UserID 为空；
// 出站帧只经 send 队列，由唯一的写协程写出。
type Client struct {
	ConnID    string
	WS        *websocket.Conn
	CreatedAt time.Time

	mu     sync.RWMutex
	userID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(connID string, ws *websocket.Conn, sendQueueSize int, now time.Time) *Client {
	return &Client{
		ConnID:    connID,
		WS:        ws,
		CreatedAt: now,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Send 入队；连接已关闭或队列满时返回 false
func (c *Client) Send(ev protocol.Event) bool {
	return c.enqueue(ev.Encode())
}

func (c *Client) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	default:
		logger.Warn("[WS] send queue full, drop frame",
			zap.String("connId", c.ConnID), zap.String("userId", c.UserID()))
		return false
	}
}

// Close 可重复调用；读循环随之退出
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.WS != nil {
			_ = c.WS.Close()
		}
	})
}

func (c *Client) Done() <-chan struct{} { return c.done }
