package chat

import (
	"context"
	"sync"
	"time"

	"RandChat/logger"
	"RandChat/service/metrics"
	"RandChat/service/protocol"
	"RandChat/tools/ids"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ===== 配置 =====

type ManagerConf struct {
	SendQueue  int              // 每连接发送队列长度
	UnauthTTL  time.Duration    // 未认证连接最长存活（如 60s）
	SweepEvery time.Duration    // 清理周期（如 10s）
	Clock      func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Second
	}
	if c.UnauthTTL <= 0 {
		c.UnauthTTL = 60 * time.Second
	}
}

// ConnManager 本进程的连接表：每个用户至多一条连接，新连接顶掉旧连接
type ConnManager struct {
	mu     sync.RWMutex
	byConn map[string]*Client // connID -> client（含未认证）
	byUser map[string]*Client // userID -> client

	conf ManagerConf
}

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	return &ConnManager{
		byConn: make(map[string]*Client),
		byUser: make(map[string]*Client),
		conf:   conf,
	}
}

// Add 新连接（未认证）登记
func (m *ConnManager) Add(ws *websocket.Conn) *Client {
	c := NewClient(ids.GenerateString(), ws, m.conf.SendQueue, m.conf.Clock())
	m.mu.Lock()
	m.byConn[c.ConnID] = c
	m.mu.Unlock()
	return c
}

// Bind 把连接绑定到用户；返回被顶掉的旧连接（没有则 nil），由调用方关闭
func (m *ConnManager) Bind(c *Client, userID string) *Client {
	m.mu.Lock()
	old := m.byUser[userID]
	m.byUser[userID] = c
	c.setUser(userID)
	n := len(m.byUser)
	m.mu.Unlock()

	metrics.ConnectedClients.Set(float64(n))
	if old == c {
		return nil
	}
	return old
}

// Remove 注销连接；返回该连接是否仍是用户的当前连接。
// 被新连接顶掉的旧连接返回 false，不应再做下线清理。
func (m *ConnManager) Remove(c *Client) bool {
	uid := c.UserID()
	m.mu.Lock()
	delete(m.byConn, c.ConnID)
	owned := uid != "" && m.byUser[uid] == c
	if owned {
		delete(m.byUser, uid)
	}
	n := len(m.byUser)
	m.mu.Unlock()

	if owned {
		metrics.ConnectedClients.Set(float64(n))
	}
	return owned
}

func (m *ConnManager) Get(userID string) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byUser[userID]
}

func (m *ConnManager) IsLocal(userID string) bool {
	return m.Get(userID) != nil
}

// DeliverLocal 投递到本进程持有的连接
func (m *ConnManager) DeliverLocal(userID string, ev protocol.Event) bool {
	c := m.Get(userID)
	if c == nil {
		return false
	}
	return c.Send(ev)
}

// Count 连接数与已认证用户数
func (m *ConnManager) Count() (conns, users int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn), len(m.byUser)
}

// ===== 清理协程 =====

// Run 定期踢掉迟迟不认证的连接，阻塞到 ctx 结束
func (m *ConnManager) Run(ctx context.Context) {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.sweepOnce(m.conf.Clock()); n > 0 {
				logger.Info("[WS] kicked unauthenticated connections", zap.Int("count", n))
			}
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) int {
	var expired []*Client

	m.mu.Lock()
	for id, c := range m.byConn {
		if c.UserID() == "" && now.Sub(c.CreatedAt) > m.conf.UnauthTTL {
			// 收集后统一关闭，避免持锁期间关闭 socket
			expired = append(expired, c)
			delete(m.byConn, id)
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		c.Close()
	}
	return len(expired)
}

// CloseAll 进程退出时关闭所有连接
func (m *ConnManager) CloseAll() {
	m.mu.RLock()
	all := make([]*Client, 0, len(m.byConn))
	for _, c := range m.byConn {
		all = append(all, c)
	}
	m.mu.RUnlock()
	for _, c := range all {
		c.Close()
	}
}
