package bus

import (
	"context"

	"RandChat/logger"
	"RandChat/service/natsx"
	"RandChat/tools/errs"

	"go.uber.org/zap"
)

const natsSubjectPrefix = "randchat.proc."

// NatsTransport 每个进程订阅自己的 subject；Core 模式不落盘，进程不在时消息丢弃
type NatsTransport struct {
	c *natsx.Client
}

func NewNats(c *natsx.Client) *NatsTransport { return &NatsTransport{c: c} }

func Subject(processID string) string { return natsSubjectPrefix + processID }

func (n *NatsTransport) Name() string { return "nats" }

func (n *NatsTransport) Send(_ context.Context, processID string, env Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return errs.WrapMsg(err, "marshal envelope", "id", env.ID)
	}
	return n.c.Publish(Subject(processID), data, map[string]string{natsx.HeaderMsgID: env.ID})
}

func (n *NatsTransport) Run(ctx context.Context, processID string, handle HandleFunc) error {
	subject := Subject(processID)
	if err := n.c.Subscribe(ctx, subject, natsHandler(handle)); err != nil {
		return err
	}
	<-ctx.Done()
	return n.c.Unsubscribe(subject)
}

func natsHandler(handle HandleFunc) natsx.Handler {
	return func(ctx context.Context, msg natsx.Message) error {
		env, err := Unmarshal(msg.Data)
		if err != nil {
			logger.Warn("[Bus] bad nats envelope dropped", zap.String("subject", msg.Subject), zap.Error(err))
			return nil
		}
		handle(ctx, env)
		return nil
	}
}
