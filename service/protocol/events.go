package protocol

import (
	"encoding/json"
)

// 出站事件类型
const (
	EvtAuthenticated          = "authenticated"
	EvtQueueJoined            = "queue_joined"
	EvtQueueLeft              = "queue_left"
	EvtChatMatched            = "chat_matched"
	EvtRandomMessage          = "random_message"
	EvtChatSkipped            = "chat_skipped"
	EvtBreakIceQuestion       = "break_ice_question_received"
	EvtBreakIcePartnerWaiting = "break_ice_partner_responded_waiting"
	EvtBreakIceReveal         = "break_ice_reveal_results"
	EvtBreakIceIgnored        = "break_ice_ignored"
	EvtRateLimitExceeded      = "rate_limit_exceeded"
	EvtPong                   = "pong"
)

// Event 出站统一信封 {"type":..., "data":{...}}
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent data 均为本包内的结构体，序列化不会失败
func NewEvent(typ string, data any) Event {
	ev := Event{Type: typ}
	if data != nil {
		ev.Data, _ = json.Marshal(data)
	}
	return ev
}

func (e Event) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Decode 把 data 解到 v（测试与跨进程回放使用）
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

type Authenticated struct {
	UserID    string `json:"userId"`
	ProcessID string `json:"processId"`
}

type QueueJoined struct {
	Preference string `json:"preference"`
}

type PartnerInfo struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	IsFriend bool   `json:"isFriend"`
}

type ChatMatched struct {
	SessionID   string      `json:"sessionId"`
	PartnerID   string      `json:"partnerId"`
	PartnerInfo PartnerInfo `json:"partnerInfo"`
}

type RandomMessage struct {
	SessionID string          `json:"sessionId"`
	SenderID  string          `json:"senderId"`
	Content   string          `json:"content"`
	Type      string          `json:"type"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type ChatSkipped struct {
	SessionID string `json:"sessionId"`
	SkippedBy string `json:"skippedBy"`
}

type QuestionReceived struct {
	GameID      string `json:"gameId"`
	Question    string `json:"question"`
	InitiatorID string `json:"initiatorId"`
}

type PartnerWaiting struct {
	GameID  string `json:"gameId"`
	Message string `json:"message"`
}

type RevealResults struct {
	GameID        string `json:"gameId"`
	Question      string `json:"question"`
	YourResponse  string `json:"yourResponse"`
	TheirResponse string `json:"theirResponse"`
	SameAnswer    bool   `json:"sameAnswer"`
}

type GameIgnored struct {
	GameID string `json:"gameId"`
	UserID string `json:"userId"`
}

type RateLimited struct {
	Action    string `json:"action"`
	ResetTime int64  `json:"resetTime"` // unix ms
	Message   string `json:"message"`
}
