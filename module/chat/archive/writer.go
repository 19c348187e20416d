// Package archive 聊天消息持久化：经 Kafka 异步落 Mongo，或直接写 Mongo。
package archive

import (
	"context"
	"encoding/json"

	"RandChat/logger"
	"RandChat/module/chat/model"
	"RandChat/service/kafka"
	"RandChat/tools/errs"

	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// DefaultTopic 消息事件流
const DefaultTopic = "randchat.messages"

// Writer 持久化一条消息
type Writer interface {
	CreateMessage(ctx context.Context, m model.Message) error
}

// NopWriter 未配置存储时使用
type NopWriter struct{}

func (NopWriter) CreateMessage(context.Context, model.Message) error { return nil }

// Sender kafka.Producer
type Sender interface {
	Send(ctx context.Context, topic, key string, value []byte) error
}

// KafkaWriter 按会话 id 作为 key，同一会话的消息保持分区内顺序
type KafkaWriter struct {
	sender Sender
	topic  string
}

func NewKafkaWriter(s Sender, topic string) *KafkaWriter {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaWriter{sender: s, topic: topic}
}

func (w *KafkaWriter) CreateMessage(ctx context.Context, m model.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errs.WrapMsg(err, "marshal message", "id", m.ID)
	}
	return w.sender.Send(ctx, w.topic, m.SessionID, b)
}

// MongoWriter db 在连上之前返回 false
type MongoWriter struct {
	db func() (*mongo.Database, bool)
}

func NewMongoWriter(db func() (*mongo.Database, bool)) *MongoWriter {
	return &MongoWriter{db: db}
}

func (w *MongoWriter) CreateMessage(ctx context.Context, m model.Message) error {
	db, ok := w.db()
	if !ok {
		return errs.ErrStoreUnavailable.WrapMsg("mongo not ready", "id", m.ID)
	}
	_, err := db.Collection(m.GetTableName()).InsertOne(ctx, m)
	if mongo.IsDuplicateKeyError(err) {
		// 至少一次投递下的重复消费
		return nil
	}
	if err != nil {
		return errs.WrapMsg(err, "insert message", "id", m.ID)
	}
	return nil
}

// Archiver 消费消息事件流并写入 Mongo
type Archiver struct {
	sink Writer
}

func NewArchiver(sink Writer) *Archiver { return &Archiver{sink: sink} }

// Handle 作为 kafka.MessageHandler 注册
func (a *Archiver) Handle(ctx context.Context, topic string, _ []byte, value []byte) error {
	var m model.Message
	if err := json.Unmarshal(value, &m); err != nil {
		logger.Warn("[Archive] bad message dropped", zap.String("topic", topic), zap.Error(err))
		return nil
	}
	return a.sink.CreateMessage(ctx, m)
}

var _ kafka.MessageHandler = (&Archiver{}).Handle
