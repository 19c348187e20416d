package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"RandChat/module/chat/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeRows struct {
	data [][]any
	i    int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.i-1], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.i-1]
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *time.Time:
			*p = row[i].(time.Time)
		case **time.Time:
			if row[i] != nil {
				t := row[i].(time.Time)
				*p = &t
			}
		}
	}
	return nil
}

type fakeDB struct {
	execs   []execCall
	rows    [][]any
	lastArg []any
	failAll bool
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.failAll {
		return pgconn.CommandTag{}, errors.New("db down")
	}
	f.execs = append(f.execs, execCall{sql, args})
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	if f.failAll {
		return nil, errors.New("db down")
	}
	f.lastArg = args
	return &fakeRows{data: f.rows}, nil
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func TestCreateAndEnd(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{}
	l := New(db)

	require.NoError(t, l.EnsureSchema(ctx))
	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, l.CreateChatSession(ctx, model.ChatSession{ID: "s1", User1ID: "a", User2ID: "b", CreatedAt: at}))
	require.NoError(t, l.EndChatSession(ctx, "s1", "a", at.Add(time.Minute)))

	require.Len(t, db.execs, 3)
	assert.True(t, strings.Contains(db.execs[0].sql, "CREATE TABLE IF NOT EXISTS chat_sessions"))
	assert.Equal(t, []any{"s1", "a", "b", at}, db.execs[1].args)
	assert.Contains(t, db.execs[2].sql, "status = 'active'")
	assert.Equal(t, "a", db.execs[2].args[2])
}

func TestRecentLimitAndScan(t *testing.T) {
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000)
	ended := created.Add(time.Minute)
	db := &fakeDB{rows: [][]any{
		{"s2", "a", "c", "active", created, nil, ""},
		{"s1", "a", "b", "ended", created, ended, "b"},
	}}
	l := New(db)

	got, err := l.GetRecentChatSessions(ctx, "a", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultRecentLimit, db.lastArg[1])
	require.Len(t, got, 2)
	assert.Nil(t, got[0].EndedAt)
	require.NotNil(t, got[1].EndedAt)
	assert.Equal(t, ended, *got[1].EndedAt)
	assert.Equal(t, "b", got[1].EndedBy)

	_, err = l.GetRecentChatSessions(ctx, "a", 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxRecentLimit, db.lastArg[1])
}

func TestErrorsWrapped(t *testing.T) {
	l := New(&fakeDB{failAll: true})
	assert.Error(t, l.EnsureSchema(context.Background()))
	_, err := l.GetRecentChatSessions(context.Background(), "a", 5)
	assert.Error(t, err)
}
