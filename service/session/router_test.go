package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"RandChat/service/protocol"
	"RandChat/service/storage/storagetest"
	"RandChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivered struct {
	UserID string
	Event  protocol.Event
}

type recordingBus struct {
	mu  sync.Mutex
	out []delivered
}

func (b *recordingBus) Deliver(_ context.Context, userID string, ev protocol.Event) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, delivered{UserID: userID, Event: ev})
	return true, nil
}

func (b *recordingBus) byType(typ string) []delivered {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res []delivered
	for _, d := range b.out {
		if d.Event.Type == typ {
			res = append(res, d)
		}
	}
	return res
}

func newRouter(t *testing.T) (*Router, *recordingBus) {
	_, rdb := storagetest.NewRedis(t)
	bus := &recordingBus{}
	return NewRouter(rdb, bus, Config{DisableSync: true}), bus
}

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	r, _ := newRouter(t)

	s, err := r.Create(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, s.Degraded)

	got, err := r.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.UserA)
	assert.Equal(t, "b", got.UserB)
	assert.True(t, got.Active())

	for _, uid := range []string{"a", "b"} {
		act, err := r.ActiveFor(ctx, uid)
		require.NoError(t, err)
		require.NotNil(t, act)
		assert.Equal(t, s.ID, act.ID)
	}

	act, err := r.ActiveFor(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, act)

	_, err = r.Get(ctx, "missing")
	assert.True(t, errors.Is(err, errs.ErrSessionNotFound))
}

func TestCreateRejectsSelfPair(t *testing.T) {
	r, _ := newRouter(t)
	_, err := r.Create(context.Background(), "a", "a")
	assert.True(t, errors.Is(err, errs.ErrArgs))
}

func TestRouteToSessionExcludes(t *testing.T) {
	ctx := context.Background()
	r, bus := newRouter(t)

	s, err := r.Create(ctx, "a", "b")
	require.NoError(t, err)

	ev := protocol.NewEvent(protocol.EvtRandomMessage, protocol.RandomMessage{SenderID: "a", Content: "hi"})
	require.NoError(t, r.RouteToSession(ctx, s.ID, ev, "a"))
	require.NoError(t, r.RouteToSession(ctx, s.ID, ev, ""))

	got := bus.byType(protocol.EvtRandomMessage)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].UserID)
}

func TestEndSessionExactlyOnce(t *testing.T) {
	ctx := context.Background()
	r, bus := newRouter(t)

	var hookCalls int
	var hookMu sync.Mutex
	r.OnEnd(func(_ context.Context, s *Session) {
		hookMu.Lock()
		hookCalls++
		hookMu.Unlock()
	})

	s, err := r.Create(ctx, "a", "b")
	require.NoError(t, err)

	const callers = 10
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			by := "a"
			if i%2 == 1 {
				by = "b"
			}
			ok, err := r.EndSession(ctx, s.ID, by)
			assert.NoError(t, err)
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)

	firsts := 0
	for ok := range results {
		if ok {
			firsts++
		}
	}
	assert.Equal(t, 1, firsts)
	assert.Equal(t, 1, hookCalls)

	skipped := bus.byType(protocol.EvtChatSkipped)
	require.Len(t, skipped, 1)

	var payload protocol.ChatSkipped
	require.NoError(t, skipped[0].Event.Decode(&payload))
	assert.NotEqual(t, payload.SkippedBy, skipped[0].UserID)

	got, err := r.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, got.Status)

	act, err := r.ActiveFor(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, act)
}

func TestMemberChecks(t *testing.T) {
	ctx := context.Background()
	r, _ := newRouter(t)

	s, err := r.Create(ctx, "a", "b")
	require.NoError(t, err)

	_, err = r.Member(ctx, s.ID, "c")
	assert.True(t, errors.Is(err, errs.ErrNotMember))

	_, err = r.EndSession(ctx, s.ID, "a")
	require.NoError(t, err)

	_, err = r.Member(ctx, s.ID, "b")
	assert.True(t, errors.Is(err, errs.ErrSessionEnded))
	assert.True(t, errs.IsProtocolViolation(err))
}

func TestDegradedLocalSession(t *testing.T) {
	ctx := context.Background()
	mr, rdb := storagetest.NewRedis(t)
	bus := &recordingBus{}
	r := NewRouter(rdb, bus, Config{DisableSync: true})

	mr.Close()

	// 共享写失败不会悄悄变成本地会话
	_, err := r.Create(ctx, "a", "b")
	assert.True(t, errors.Is(err, errs.ErrStoreUnavailable))

	s, err := r.CreateLocal(ctx, "a", "b")
	require.NoError(t, err)
	assert.True(t, s.Degraded)

	_, err = r.CreateLocal(ctx, "c", "a")
	assert.True(t, errors.Is(err, errs.ErrAlreadyInSession))

	act, err := r.ActiveFor(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, s.ID, act.ID)

	ok, err := r.EndSession(ctx, s.ID, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.EndSession(ctx, s.ID, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	skipped := bus.byType(protocol.EvtChatSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "a", skipped[0].UserID)
}

func TestCreateLocalAfterEnd(t *testing.T) {
	ctx := context.Background()
	mr, rdb := storagetest.NewRedis(t)
	r := NewRouter(rdb, &recordingBus{}, Config{DisableSync: true})
	mr.Close()

	s, err := r.CreateLocal(ctx, "a", "b")
	require.NoError(t, err)
	ok, err := r.EndSession(ctx, s.ID, "a")
	require.NoError(t, err)
	require.True(t, ok)

	s2, err := r.CreateLocal(ctx, "a", "c")
	require.NoError(t, err)
	act, err := r.ActiveFor(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, s2.ID, act.ID)
}
