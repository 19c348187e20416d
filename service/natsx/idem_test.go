package natsx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdemMiddlewareDropsDuplicates(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newMemIdem(time.Minute, func() time.Time { return now })

	var calls int
	h := Chain(func(context.Context, Message) error {
		calls++
		return nil
	}, IdemMiddleware(store, 0))

	msg := Message{Subject: "randchat.proc.a", Data: []byte(`{}`), Header: map[string]string{HeaderMsgID: "m1"}}
	require.NoError(t, h(context.Background(), msg))
	require.NoError(t, h(context.Background(), msg))
	assert.Equal(t, 1, calls)

	now = now.Add(2 * time.Minute)
	require.NoError(t, h(context.Background(), msg))
	assert.Equal(t, 2, calls)

	store.purge()
	assert.Len(t, store.m, 1)
}

func TestIdemWithoutHeaderUsesPayload(t *testing.T) {
	store := newMemIdem(time.Minute, time.Now)
	var calls int
	h := IdemMiddleware(store, time.Minute)(func(context.Context, Message) error {
		calls++
		return nil
	})

	_ = h(context.Background(), Message{Subject: "s", Data: []byte("a")})
	_ = h(context.Background(), Message{Subject: "s", Data: []byte("a")})
	_ = h(context.Background(), Message{Subject: "s", Data: []byte("b")})
	assert.Equal(t, 2, calls)
}

func TestRecoverSwallowsPanic(t *testing.T) {
	h := Chain(func(context.Context, Message) error { panic("boom") }, Recover())
	assert.NotPanics(t, func() { _ = h(context.Background(), Message{Subject: "s"}) })
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	h := Chain(func(context.Context, Message) error { order = append(order, "h"); return nil }, mw("a"), mw("b"))
	require.NoError(t, h(context.Background(), Message{}))
	assert.Equal(t, []string{"a", "b", "h"}, order)
}
