package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"RandChat/service/natsx"
	"RandChat/service/presence"
	"RandChat/service/protocol"
	"RandChat/service/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocal struct {
	mu    sync.Mutex
	users map[string]bool
	got   map[string][]protocol.Event
}

func newFakeLocal(users ...string) *fakeLocal {
	l := &fakeLocal{users: map[string]bool{}, got: map[string][]protocol.Event{}}
	for _, u := range users {
		l.users[u] = true
	}
	return l
}

func (l *fakeLocal) DeliverLocal(userID string, ev protocol.Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.users[userID] {
		return false
	}
	l.got[userID] = append(l.got[userID], ev)
	return true
}

func (l *fakeLocal) IsLocal(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.users[userID]
}

func (l *fakeLocal) drop(userID string) {
	l.mu.Lock()
	delete(l.users, userID)
	l.mu.Unlock()
}

func (l *fakeLocal) events(userID string) []protocol.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Event(nil), l.got[userID]...)
}

type twoProcs struct {
	reg            *presence.Registry
	mailbox        *MailboxTransport
	localA, localB *fakeLocal
	busA, busB     *Bus
}

func newTwoProcs(t *testing.T) *twoProcs {
	_, rdb := storagetest.NewRedis(t)
	reg := presence.NewRegistry(rdb, presence.Config{})
	mb := NewMailbox(rdb, MailboxConfig{Batch: 2})
	la, lb := newFakeLocal("alice"), newFakeLocal("bob")

	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, "alice", "server_a"))
	require.NoError(t, reg.Register(ctx, "bob", "server_b"))

	return &twoProcs{
		reg:     reg,
		mailbox: mb,
		localA:  la,
		localB:  lb,
		busA:    New("server_a", la, reg, mb),
		busB:    New("server_b", lb, reg, mb),
	}
}

func msg(text string) protocol.Event {
	return protocol.NewEvent(protocol.EvtRandomMessage, protocol.RandomMessage{Content: text})
}

func TestDeliverLocalFirst(t *testing.T) {
	p := newTwoProcs(t)
	ok, err := p.busA.Deliver(context.Background(), "alice", msg("hi"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, p.localA.events("alice"), 1)

	n, err := p.mailbox.Pending(context.Background(), "server_a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeliverCrossProcessViaMailbox(t *testing.T) {
	ctx := context.Background()
	p := newTwoProcs(t)

	for _, s := range []string{"1", "2", "3"} {
		ok, err := p.busA.Deliver(ctx, "bob", msg(s))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Empty(t, p.localB.events("bob"))

	n, err := p.mailbox.DrainOnce(ctx, "server_b", p.busB.Receive)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = p.mailbox.DrainOnce(ctx, "server_b", p.busB.Receive)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := p.localB.events("bob")
	require.Len(t, got, 3)
	// 同一邮箱内保持追加顺序
	for i, want := range []string{"1", "2", "3"} {
		var m protocol.RandomMessage
		require.NoError(t, got[i].Decode(&m))
		assert.Equal(t, want, m.Content)
	}

	n, err = p.mailbox.DrainOnce(ctx, "server_b", p.busB.Receive)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeliverAbsentUser(t *testing.T) {
	p := newTwoProcs(t)
	ok, err := p.busA.Deliver(context.Background(), "nobody", msg("x"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStalePresencePointingAtSelf(t *testing.T) {
	ctx := context.Background()
	p := newTwoProcs(t)
	p.localA.drop("alice")

	ok, err := p.busA.Deliver(ctx, "alice", msg("x"))
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := p.mailbox.Pending(ctx, "server_a")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReceiveForwardsOnceWhenUserMoved(t *testing.T) {
	ctx := context.Background()
	p := newTwoProcs(t)

	ok, err := p.busA.Deliver(ctx, "bob", msg("moving"))
	require.NoError(t, err)
	require.True(t, ok)

	// bob 在投递途中重连到了 server_a
	p.localB.drop("bob")
	p.localA.users["bob"] = true
	require.NoError(t, p.reg.Register(ctx, "bob", "server_a"))

	_, err = p.mailbox.DrainOnce(ctx, "server_b", p.busB.Receive)
	require.NoError(t, err)
	_, err = p.mailbox.DrainOnce(ctx, "server_a", p.busA.Receive)
	require.NoError(t, err)
	assert.Len(t, p.localA.events("bob"), 1)
}

func TestReceiveStopsAfterHopLimit(t *testing.T) {
	ctx := context.Background()
	p := newTwoProcs(t)
	p.localB.drop("bob")

	p.busB.Receive(ctx, Envelope{ID: "e1", UserID: "bob", Event: msg("x"), Hops: maxHops})
	n, err := p.mailbox.Pending(ctx, "server_b")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMailboxRunDrainsPeriodically(t *testing.T) {
	_, rdb := storagetest.NewRedis(t)
	mb := NewMailbox(rdb, MailboxConfig{PollEvery: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Envelope, 1)
	go func() { _ = mb.Run(ctx, "server_x", func(_ context.Context, env Envelope) { got <- env }) }()

	require.NoError(t, mb.Send(ctx, "server_x", Envelope{ID: "e1", UserID: "u", Event: msg("x")}))
	select {
	case env := <-got:
		assert.Equal(t, "e1", env.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("mailbox not drained")
	}
}

func TestMailboxSkipsBadEnvelope(t *testing.T) {
	ctx := context.Background()
	mr, rdb := storagetest.NewRedis(t)
	mb := NewMailbox(rdb, MailboxConfig{})
	_, err := mr.RPush("server:server_x:messages", "{not json")
	require.NoError(t, err)
	require.NoError(t, mb.Send(ctx, "server_x", Envelope{ID: "ok", UserID: "u"}))

	var ids []string
	n, err := mb.DrainOnce(ctx, "server_x", func(_ context.Context, env Envelope) { ids = append(ids, env.ID) })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"ok"}, ids)
}

func TestNatsHandlerDedupesByEnvelopeID(t *testing.T) {
	store := natsx.NewMemIdem(context.Background(), time.Minute)
	var got []string
	h := natsx.Chain(natsHandler(func(_ context.Context, env Envelope) { got = append(got, env.ID) }),
		natsx.IdemMiddleware(store, time.Minute))

	env := Envelope{ID: "e1", UserID: "u", Event: msg("x")}
	data, err := env.Marshal()
	require.NoError(t, err)
	m := natsx.Message{Subject: Subject("server_b"), Data: data, Header: map[string]string{natsx.HeaderMsgID: env.ID}}

	require.NoError(t, h(context.Background(), m))
	require.NoError(t, h(context.Background(), m))
	require.NoError(t, h(context.Background(), natsx.Message{Subject: Subject("server_b"), Data: []byte("garbage")}))
	assert.Equal(t, []string{"e1"}, got)
	assert.Equal(t, "randchat.proc.server_b", Subject("server_b"))
}
