package kafka

import (
	"context"

	"RandChat/logger"
	"RandChat/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Producer 同步生产者
type Producer struct {
	p sarama.SyncProducer
}

func NewProducer(c Config) (*Producer, error) {
	p, err := sarama.NewSyncProducer(c.Brokers, BuildSaramaConfig(c))
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka sync producer", "brokers", c.Brokers)
	}
	return &Producer{p: p}, nil
}

// NewProducerFrom 包装已有生产者（单测注入 mocks.SyncProducer）
func NewProducerFrom(p sarama.SyncProducer) *Producer { return &Producer{p: p} }

// Send key 决定分区
func (p *Producer) Send(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := p.p.SendMessage(msg)
	if err != nil {
		return errs.WrapMsg(err, "kafka send", "topic", topic, "key", key)
	}
	logger.Debug("[Kafka] sent", zap.String("topic", topic), zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (p *Producer) Close() error { return p.p.Close() }
