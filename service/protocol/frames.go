// Package protocol 客户端实时协议：入站帧与出站事件。
package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"RandChat/tools/errs"
)

// 入站帧类型
const (
	TypeAuthenticate     = "authenticate"
	TypeJoinQueue        = "join_queue"
	TypeLeaveQueue       = "leave_queue"
	TypeRandomMessage    = "random_message"
	TypeSkipChat         = "skip_chat"
	TypeBreakIceStart    = "break_ice_start"
	TypeBreakIceResponse = "break_ice_response"
	TypeBreakIceIgnore   = "break_ice_ignore"
	TypePing             = "ping"
)

// MaxFrameBytes 单帧上限 1MiB
const MaxFrameBytes = 1 << 20

// ID 兼容数字和字符串两种 JSON 写法
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Frame 入站帧；字段按类型取用
type Frame struct {
	Type        string          `json:"type"`
	UserID      ID              `json:"userId,omitempty"`
	Token       string          `json:"token,omitempty"`
	Preference  string          `json:"preference,omitempty"`
	Preferences string          `json:"preferences,omitempty"`
	SessionID   ID              `json:"sessionId,omitempty"`
	Content     string          `json:"content,omitempty"`
	MessageType string          `json:"messageType,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	GameID      ID              `json:"gameId,omitempty"`
	Question    string          `json:"question,omitempty"`
	InitiatorID ID              `json:"initiatorId,omitempty"`
	Response    string          `json:"response,omitempty"`
}

// ParseFrame 解析 JSON 文本帧
func ParseFrame(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errs.ErrArgs.WrapMsg("empty frame")
	}
	if len(data) > MaxFrameBytes {
		return nil, errs.ErrArgs.WrapMsg("frame too large", "len", len(data))
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.ErrArgs.WrapMsg("bad frame json", "err", err)
	}
	f.Type = strings.TrimSpace(f.Type)
	if f.Type == "" {
		return nil, errs.ErrArgs.WrapMsg("frame type missing")
	}
	return &f, nil
}

// Pref join_queue 的偏好；旧客户端发 preferences
func (f *Frame) Pref() string {
	if f.Preference != "" {
		return strings.ToLower(strings.TrimSpace(f.Preference))
	}
	return strings.ToLower(strings.TrimSpace(f.Preferences))
}
