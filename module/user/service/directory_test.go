package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"RandChat/service/storage/storagetest"
	"RandChat/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	vals []any
	err  error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.vals[i].(string)
		case *bool:
			*p = r.vals[i].(bool)
		}
	}
	return nil
}

type fakeDB struct {
	mu      sync.Mutex
	users   map[string][2]string
	friends map[[2]string]bool
	calls   int
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if strings.Contains(sql, "friendships") {
		a, b := args[0].(string), args[1].(string)
		return row{vals: []any{f.friends[[2]string{a, b}] || f.friends[[2]string{b, a}]}}
	}
	u, ok := f.users[args[0].(string)]
	if !ok {
		return row{err: pgx.ErrNoRows}
	}
	return row{vals: []any{args[0].(string), u[0], u[1]}}
}

func newDir(t *testing.T) (*Directory, *fakeDB) {
	_, rdb := storagetest.NewRedis(t)
	db := &fakeDB{
		users:   map[string][2]string{"1": {"ana", "a.png"}, "2": {"rui", ""}},
		friends: map[[2]string]bool{{"1", "2"}: true},
	}
	return NewDirectory(db, rdb, time.Hour), db
}

func TestGetUserCaches(t *testing.T) {
	ctx := context.Background()
	d, db := newDir(t)

	u, err := d.GetUser(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "ana", u.Username)
	assert.Equal(t, "a.png", u.Avatar)

	u, err = d.GetUser(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "ana", u.Username)
	assert.Equal(t, 1, db.calls)

	require.NoError(t, d.Invalidate(ctx, "1"))
	_, err = d.GetUser(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 2, db.calls)
}

func TestGetUserMissing(t *testing.T) {
	d, _ := newDir(t)
	_, err := d.GetUser(context.Background(), "404")
	assert.True(t, errors.Is(err, errs.ErrUserNotFound))
}

func TestPartnerInfo(t *testing.T) {
	ctx := context.Background()
	d, _ := newDir(t)

	info := d.PartnerInfo(ctx, "2", "1")
	assert.Equal(t, "ana", info.Username)
	assert.True(t, info.IsFriend)

	info = d.PartnerInfo(ctx, "1", "guest")
	assert.Equal(t, AnonymousName, info.Username)
	assert.False(t, info.IsFriend)
}

func TestAreFriendsWithoutDB(t *testing.T) {
	_, rdb := storagetest.NewRedis(t)
	d := NewDirectory(nil, rdb, 0)
	ok, err := d.AreFriends(context.Background(), "1", "2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, AnonymousName, d.PartnerInfo(context.Background(), "1", "2").Username)
}
