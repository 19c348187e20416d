package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"RandChat/service/storage/storagetest"
	"RandChat/tools/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNPlusOneRejected(t *testing.T) {
	ctx := context.Background()
	mr, rdb := storagetest.NewRedis(t)
	l := NewLimiter(rdb, map[string]Rule{"message": {Max: 3, Window: time.Minute}})

	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, "u1", "message")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.EqualValues(t, i, d.Count)
	}

	d, err := l.Allow(ctx, "u1", "message")
	assert.True(t, errors.Is(err, errs.ErrRateLimited))
	assert.False(t, errs.IsProtocolViolation(err))
	assert.False(t, d.Allowed)
	assert.WithinDuration(t, time.Now().Add(time.Minute), d.ResetAt, 2*time.Second)

	// 其他用户不受影响
	d, err = l.Allow(ctx, "u2", "message")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// 窗口过去后恢复
	mr.FastForward(61 * time.Second)
	d, err = l.Allow(ctx, "u1", "message")
	require.NoError(t, err)
	assert.EqualValues(t, 1, d.Count)
}

func TestUnknownActionAllowed(t *testing.T) {
	_, rdb := storagetest.NewRedis(t)
	l := NewLimiter(rdb, nil)
	d, err := l.Allow(context.Background(), "u", "dance")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	r, ok := l.Rule(ActionMatchmaking)
	require.True(t, ok)
	assert.EqualValues(t, 10, r.Max)
}

func TestSetLimit(t *testing.T) {
	ctx := context.Background()
	_, rdb := storagetest.NewRedis(t)
	l := NewLimiter(rdb, nil)

	l.SetLimit(ActionMessage, Rule{Max: 1, Window: time.Minute})
	l.SetLimit(ActionMessage, Rule{Max: 0, Window: time.Minute}) // 非法值忽略

	_, err := l.Allow(ctx, "u", ActionMessage)
	require.NoError(t, err)
	_, err = l.Allow(ctx, "u", ActionMessage)
	assert.True(t, errors.Is(err, errs.ErrRateLimited))

	require.NoError(t, l.Reset(ctx, "u", ActionMessage))
	_, err = l.Allow(ctx, "u", ActionMessage)
	require.NoError(t, err)
}

func TestFailOpenWhenStoreDown(t *testing.T) {
	mr, rdb := storagetest.NewRedis(t)
	l := NewLimiter(rdb, nil)
	mr.Close()

	d, err := l.Allow(context.Background(), "u", ActionMessage)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
