package kafka

import (
	"context"
	"time"

	"RandChat/logger"
	"RandChat/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

type groupHandler struct {
	ctx    context.Context
	router *Router
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	logger.Info("[Kafka] consumer group setup")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("[Kafka] consumer group cleanup")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.dispatch(msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

// dispatch 处理失败只记日志，位点照常提交
func (h *groupHandler) dispatch(msg *sarama.ConsumerMessage) {
	handler, err := h.router.Handler(msg.Topic)
	if err != nil {
		logger.Warn("[Kafka] no handler", zap.String("topic", msg.Topic))
		return
	}
	if err := handler(h.ctx, msg.Topic, msg.Key, msg.Value); err != nil {
		logger.Error("[Kafka] handler error",
			zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
}

// RunConsumerGroup 阻塞消费 router 中注册的所有 topic，直到 ctx 结束
func RunConsumerGroup(ctx context.Context, c Config, router *Router) error {
	group, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, BuildSaramaConfig(c))
	if err != nil {
		return errs.WrapMsg(err, "kafka consumer group", "group", c.GroupID)
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			logger.Warn("[Kafka] consumer group error", zap.Error(err))
		}
	}()

	h := &groupHandler{ctx: ctx, router: router}
	topics := router.Topics()
	for {
		if err := group.Consume(ctx, topics, h); err != nil {
			logger.Warn("[Kafka] consume error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
