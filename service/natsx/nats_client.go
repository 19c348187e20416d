package natsx

import (
	"context"
	"strings"
	"sync"
	"time"

	"RandChat/tools/errs"

	"github.com/nats-io/nats.go"
)

// ===== 配置 =====
type Config struct {
	Servers       []string
	Name          string
	User          string
	Password      string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Client 只用 Core 模式：进程间投递不需要持久化，落库由邮箱兜底
type Client struct {
	cfg Config
	nc  *nats.Conn
	mws []Middleware

	mu   sync.Mutex
	subs map[string]*nats.Subscription // subject -> sub
}

// Connect 连接 NATS
func Connect(cfg Config, mws ...Middleware) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.ErrArgs.WrapMsg("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect")
	}
	return New(nc, mws...), nil
}

// New 包装已有连接
func New(nc *nats.Conn, mws ...Middleware) *Client {
	return &Client{nc: nc, mws: mws, subs: make(map[string]*nats.Subscription)}
}

// Publish Core 发布，hdr 可为空
func (c *Client) Publish(subject string, data []byte, hdr map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Set(k, v)
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return errs.WrapMsg(err, "nats publish", "subject", subject)
	}
	return nil
}

// Subscribe 同一 subject 只订阅一次；回调经过中间件链
func (c *Client) Subscribe(ctx context.Context, subject string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[subject]; ok {
		return nil
	}
	h = Chain(h, c.mws...)
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		_ = h(ctx, Message{
			Subject: m.Subject,
			Data:    append([]byte(nil), m.Data...),
			Header:  headerToMap(m.Header),
		})
	})
	if err != nil {
		return errs.WrapMsg(err, "nats subscribe", "subject", subject)
	}
	_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
	c.subs[subject] = sub
	return nil
}

func (c *Client) Unsubscribe(subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subject]
	if !ok {
		return nil
	}
	delete(c.subs, subject)
	return sub.Drain()
}

func (c *Client) Connected() bool { return c.nc != nil && c.nc.IsConnected() }

// Close 优雅关闭
func (c *Client) Close() error {
	c.mu.Lock()
	for s, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, s)
	}
	c.mu.Unlock()
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
