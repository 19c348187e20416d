package bus

import (
	"context"
	"time"

	"RandChat/logger"
	"RandChat/service/metrics"
	"RandChat/service/storage"
	"RandChat/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type MailboxConfig struct {
	PollEvery time.Duration // 轮询周期
	Batch     int           // 单次最多取出条数
	TTL       time.Duration // 邮箱过期时间，进程下线后自动回收
}

func (c *MailboxConfig) norm() {
	if c.PollEvery <= 0 {
		c.PollEvery = time.Second
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	if c.TTL <= 0 {
		c.TTL = 300 * time.Second
	}
}

// MailboxTransport 每个进程一个 Redis 列表，发送方 RPUSH，属主定时取走
type MailboxTransport struct {
	rdb      redis.UniversalClient
	conf     MailboxConfig
	luaDrain *redis.Script
}

// KEYS[1] = server:<pid>:messages  ARGV[1] = batch
// 取出并删除最多 batch 条，保持追加顺序
const luaDrain = `
local items = redis.call("LRANGE", KEYS[1], 0, tonumber(ARGV[1]) - 1)
if #items > 0 then
  redis.call("LTRIM", KEYS[1], #items, -1)
end
return items
`

func NewMailbox(rdb redis.UniversalClient, conf MailboxConfig) *MailboxTransport {
	conf.norm()
	return &MailboxTransport{rdb: rdb, conf: conf, luaDrain: redis.NewScript(luaDrain)}
}

func (m *MailboxTransport) Name() string { return "mailbox" }

func (m *MailboxTransport) Send(ctx context.Context, processID string, env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return errs.WrapMsg(err, "marshal envelope", "id", env.ID)
	}
	key := storage.MailboxKey(processID)
	_, err = m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, data)
		p.Expire(ctx, key, m.conf.TTL)
		return nil
	})
	if err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("mailbox push", "target", processID, "err", err)
	}
	return nil
}

func (m *MailboxTransport) Run(ctx context.Context, processID string, handle HandleFunc) error {
	t := time.NewTicker(m.conf.PollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			// 一轮取满说明还有积压，继续取
			for {
				n, err := m.DrainOnce(ctx, processID, handle)
				if err != nil {
					logger.Warn("[Mailbox] drain failed", zap.String("processId", processID), zap.Error(err))
					break
				}
				if n < m.conf.Batch || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// DrainOnce 取一批并逐条回调，返回取出的条数
func (m *MailboxTransport) DrainOnce(ctx context.Context, processID string, handle HandleFunc) (int, error) {
	items, err := m.luaDrain.Run(ctx, m.rdb, []string{storage.MailboxKey(processID)}, m.conf.Batch).StringSlice()
	if err != nil {
		return 0, errs.ErrStoreUnavailable.WrapMsg("mailbox drain", "processId", processID, "err", err)
	}
	for _, raw := range items {
		env, err := Unmarshal([]byte(raw))
		if err != nil {
			logger.Warn("[Mailbox] bad envelope dropped", zap.String("processId", processID), zap.Error(err))
			continue
		}
		handle(ctx, env)
	}
	if len(items) > 0 {
		metrics.MailboxDrained.Add(float64(len(items)))
	}
	return len(items), nil
}

// Pending 邮箱积压条数
func (m *MailboxTransport) Pending(ctx context.Context, processID string) (int64, error) {
	return m.rdb.LLen(ctx, storage.MailboxKey(processID)).Result()
}
