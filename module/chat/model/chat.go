package model

import (
	"time"

	"RandChat/data/database"
)

var (
	_ database.Table = (*ChatSession)(nil)
	_ database.Table = (*Message)(nil)
)

// ChatSession 会话台账（持久化，供历史查询）
type ChatSession struct {
	ID        string     `json:"id"`
	User1ID   string     `json:"user1Id"`
	User2ID   string     `json:"user2Id"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	EndedBy   string     `json:"endedBy,omitempty"`
}

func (s *ChatSession) GetTableName() string { return "chat_sessions" }

// Message 一条聊天消息，归档到 Mongo
type Message struct {
	ID         string    `bson:"_id" json:"id"`
	SessionID  string    `bson:"session_id" json:"sessionId"`
	SenderID   string    `bson:"sender_id" json:"senderId"`
	ReceiverID string    `bson:"receiver_id" json:"receiverId"`
	Content    string    `bson:"content" json:"content"`
	Type       string    `bson:"type" json:"type"`                             // text/image/gif
	Metadata   string    `bson:"metadata,omitempty" json:"metadata,omitempty"` // 原始 JSON
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
}

func (m *Message) GetTableName() string { return "messages" }
