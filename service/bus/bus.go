// Package bus 跨进程事件投递：本地连接直接写；否则按在线表找到所属进程，交给传输层转发。
// 投递语义为至少一次，接收端处理需幂等。
package bus

import (
	"context"
	"encoding/json"
	"time"

	"RandChat/logger"
	"RandChat/service/metrics"
	"RandChat/service/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 转发跳数上限：用户在投递途中换了进程时最多再转一次
const maxHops = 1

// Envelope 跨进程传输单元
type Envelope struct {
	ID     string         `json:"id"`
	UserID string         `json:"userId"`
	Event  protocol.Event `json:"event"`
	From   string         `json:"from"`
	SentAt int64          `json:"sentAt"` // ms
	Hops   int            `json:"hops,omitempty"`
}

func (e Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

func Unmarshal(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

// Local 本进程持有的连接
type Local interface {
	DeliverLocal(userID string, ev protocol.Event) bool
	IsLocal(userID string) bool
}

// Locator 在线表查询
type Locator interface {
	Locate(ctx context.Context, userID string) (string, bool, error)
}

// HandleFunc 传输层收到信封后的回调
type HandleFunc func(ctx context.Context, env Envelope)

// Transport 可插拔传输：Redis 邮箱轮询或 NATS
type Transport interface {
	Name() string
	Send(ctx context.Context, processID string, env Envelope) error
	// Run 接收发往 processID 的信封，阻塞到 ctx 结束
	Run(ctx context.Context, processID string, handle HandleFunc) error
}

type Bus struct {
	processID string
	local     Local
	locator   Locator
	transport Transport
	clock     func() time.Time
}

func New(processID string, local Local, locator Locator, transport Transport) *Bus {
	return &Bus{
		processID: processID,
		local:     local,
		locator:   locator,
		transport: transport,
		clock:     time.Now,
	}
}

func (b *Bus) ProcessID() string { return b.processID }

func (b *Bus) Transport() string { return b.transport.Name() }

// Deliver 返回事件是否已交付（本地写入或已交给传输层）。
// 存储或传输异常只记日志，返回 false，不向上抛。
func (b *Bus) Deliver(ctx context.Context, userID string, ev protocol.Event) (bool, error) {
	// 本地优先，不查在线表；失效的本地连接由读超时或清理回收
	if b.local.DeliverLocal(userID, ev) {
		metrics.BusDeliveries.WithLabelValues("local").Inc()
		return true, nil
	}
	env := Envelope{
		ID:     uuid.NewString(),
		UserID: userID,
		Event:  ev,
		From:   b.processID,
		SentAt: b.clock().UnixMilli(),
	}
	return b.forward(ctx, env), nil
}

func (b *Bus) forward(ctx context.Context, env Envelope) bool {
	pid, ok, err := b.locator.Locate(ctx, env.UserID)
	if err != nil {
		metrics.BusDeliveries.WithLabelValues("failed").Inc()
		logger.Warn("[Bus] locate failed", zap.String("userId", env.UserID), zap.Error(err))
		return false
	}
	// 不在线，或在线表指向本进程但连接已不在（过期记录）
	if !ok || pid == b.processID {
		metrics.BusDeliveries.WithLabelValues("absent").Inc()
		logger.Debug("[Bus] user absent", zap.String("userId", env.UserID), zap.String("event", env.Event.Type))
		return false
	}
	if err := b.transport.Send(ctx, pid, env); err != nil {
		metrics.BusDeliveries.WithLabelValues("failed").Inc()
		logger.Warn("[Bus] transport send failed",
			zap.String("transport", b.transport.Name()),
			zap.String("target", pid),
			zap.String("userId", env.UserID),
			zap.Error(err))
		return false
	}
	metrics.BusDeliveries.WithLabelValues("remote").Inc()
	return true
}

// Run 接收发往本进程的信封，阻塞到 ctx 结束
func (b *Bus) Run(ctx context.Context) error {
	logger.Info("[Bus] receiving", zap.String("processId", b.processID), zap.String("transport", b.transport.Name()))
	return b.transport.Run(ctx, b.processID, b.Receive)
}

// Receive 处理一条入站信封
func (b *Bus) Receive(ctx context.Context, env Envelope) {
	if b.local.DeliverLocal(env.UserID, env.Event) {
		return
	}
	if env.Hops >= maxHops {
		metrics.BusDeliveries.WithLabelValues("absent").Inc()
		return
	}
	env.Hops++
	b.forward(ctx, env)
}
