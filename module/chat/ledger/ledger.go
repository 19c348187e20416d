// Package ledger 会话台账：建会话、结束会话、查最近会话。
package ledger

import (
	"context"
	"time"

	"RandChat/module/chat/model"
	"RandChat/service/pg"
	"RandChat/tools/errs"
)

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
  id         TEXT PRIMARY KEY,
  user1_id   TEXT NOT NULL,
  user2_id   TEXT NOT NULL,
  status     TEXT NOT NULL DEFAULT 'active',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  ended_at   TIMESTAMPTZ,
  ended_by   TEXT
);
CREATE INDEX IF NOT EXISTS chat_sessions_user1_idx ON chat_sessions (user1_id, created_at DESC);
CREATE INDEX IF NOT EXISTS chat_sessions_user2_idx ON chat_sessions (user2_id, created_at DESC);
`

const (
	sqlCreate = `INSERT INTO chat_sessions (id, user1_id, user2_id, status, created_at)
VALUES ($1, $2, $3, 'active', $4) ON CONFLICT (id) DO NOTHING`

	sqlEnd = `UPDATE chat_sessions SET status = 'ended', ended_at = $2, ended_by = $3
WHERE id = $1 AND status = 'active'`

	sqlRecent = `SELECT id, user1_id, user2_id, status, created_at, ended_at, COALESCE(ended_by, '')
FROM chat_sessions WHERE user1_id = $1 OR user2_id = $1
ORDER BY created_at DESC LIMIT $2`
)

const (
	DefaultRecentLimit = 20
	MaxRecentLimit     = 100
)

type Ledger struct {
	db pg.Querier
}

func New(db pg.Querier) *Ledger { return &Ledger{db: db} }

func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, schema); err != nil {
		return errs.WrapMsg(err, "ensure chat_sessions schema")
	}
	return nil
}

// CreateChatSession 重复写入同一 id 不报错
func (l *Ledger) CreateChatSession(ctx context.Context, s model.ChatSession) error {
	if _, err := l.db.Exec(ctx, sqlCreate, s.ID, s.User1ID, s.User2ID, s.CreatedAt); err != nil {
		return errs.WrapMsg(err, "create chat session", "sessionId", s.ID)
	}
	return nil
}

// EndChatSession 只更新仍为 active 的行
func (l *Ledger) EndChatSession(ctx context.Context, id, endedBy string, at time.Time) error {
	if _, err := l.db.Exec(ctx, sqlEnd, id, at, endedBy); err != nil {
		return errs.WrapMsg(err, "end chat session", "sessionId", id)
	}
	return nil
}

func (l *Ledger) GetRecentChatSessions(ctx context.Context, userID string, limit int) ([]model.ChatSession, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	rows, err := l.db.Query(ctx, sqlRecent, userID, limit)
	if err != nil {
		return nil, errs.WrapMsg(err, "recent chat sessions", "userId", userID)
	}
	defer rows.Close()

	out := make([]model.ChatSession, 0, limit)
	for rows.Next() {
		var s model.ChatSession
		if err := rows.Scan(&s.ID, &s.User1ID, &s.User2ID, &s.Status, &s.CreatedAt, &s.EndedAt, &s.EndedBy); err != nil {
			return nil, errs.WrapMsg(err, "scan chat session")
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.WrapMsg(err, "iterate chat sessions")
	}
	return out, nil
}
