package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"RandChat/service/protocol"
	"RandChat/service/session"
	"RandChat/service/storage/storagetest"
	"RandChat/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	to string
	ev protocol.Event
}

type inbox struct {
	mu  sync.Mutex
	out []sent
}

func (b *inbox) Deliver(_ context.Context, uid string, ev protocol.Event) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, sent{to: uid, ev: ev})
	return true, nil
}

func (b *inbox) of(uid, typ string) []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var res []protocol.Event
	for _, s := range b.out {
		if s.to == uid && s.ev.Type == typ {
			res = append(res, s.ev)
		}
	}
	return res
}

type env struct {
	mr     *miniredis.Miniredis
	box    *inbox
	router *session.Router
	m      *Machine
	sess   *session.Session
}

func setup(t *testing.T) *env {
	mr, rdb := storagetest.NewRedis(t)
	box := &inbox{}
	router := session.NewRouter(rdb, box, session.Config{DisableSync: true})
	m := NewMachine(rdb, router, Config{})
	router.OnEnd(m.CancelSession)

	s, err := router.Create(context.Background(), "A", "B")
	require.NoError(t, err)
	return &env{mr: mr, box: box, router: router, m: m, sess: s}
}

func TestStartRoutesQuestionToPartnerOnly(t *testing.T) {
	e := setup(t)
	r, err := e.m.Start(context.Background(), e.sess.ID, "g1", "Cats or dogs?", "A")
	require.NoError(t, err)
	assert.Equal(t, StateStarted, r.State)

	got := e.box.of("B", protocol.EvtBreakIceQuestion)
	require.Len(t, got, 1)
	var q protocol.QuestionReceived
	require.NoError(t, got[0].Decode(&q))
	assert.Equal(t, "g1", q.GameID)
	assert.Equal(t, "A", q.InitiatorID)
	assert.Empty(t, e.box.of("A", protocol.EvtBreakIceQuestion))

	_, err = e.m.Start(context.Background(), e.sess.ID, "g1", "again", "A")
	assert.True(t, errors.Is(err, errs.ErrGameDuplicate))
}

func TestStartRequiresMembership(t *testing.T) {
	e := setup(t)
	_, err := e.m.Start(context.Background(), e.sess.ID, "", "q", "C")
	assert.True(t, errors.Is(err, errs.ErrNotMember))

	r, err := e.m.Start(context.Background(), e.sess.ID, "", "q", "B")
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
}

func TestRevealPerspectives(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	_, err := e.m.Start(ctx, e.sess.ID, "g1", "Beach or mountains?", "A")
	require.NoError(t, err)

	st, err := e.m.Respond(ctx, "g1", "B", "X")
	require.NoError(t, err)
	assert.Equal(t, StateAwaiting, st)

	waiting := e.box.of("A", protocol.EvtBreakIcePartnerWaiting)
	require.Len(t, waiting, 1)
	var w protocol.PartnerWaiting
	require.NoError(t, waiting[0].Decode(&w))
	assert.Equal(t, PartnerWaitingMessage, w.Message)
	assert.Empty(t, e.box.of("B", protocol.EvtBreakIcePartnerWaiting))

	st, err = e.m.Respond(ctx, "g1", "A", "Y")
	require.NoError(t, err)
	assert.Equal(t, StateRevealed, st)

	for uid, want := range map[string][2]string{"A": {"Y", "X"}, "B": {"X", "Y"}} {
		got := e.box.of(uid, protocol.EvtBreakIceReveal)
		require.Len(t, got, 1, uid)
		var rr protocol.RevealResults
		require.NoError(t, got[0].Decode(&rr))
		assert.Equal(t, want[0], rr.YourResponse, uid)
		assert.Equal(t, want[1], rr.TheirResponse, uid)
		assert.False(t, rr.SameAnswer)
		assert.Equal(t, "Beach or mountains?", rr.Question)
	}

	r, err := e.m.Get(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, r.Active)
	assert.Len(t, r.Responses, 2)

	// 延迟清理
	e.mr.FastForward(2 * time.Second)
	_, err = e.m.Get(ctx, "g1")
	assert.True(t, errors.Is(err, errs.ErrGameNotFound))
}

func TestSameAnswer(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	_, err := e.m.Start(ctx, e.sess.ID, "g1", "q", "A")
	require.NoError(t, err)
	_, err = e.m.Respond(ctx, "g1", "A", "yes")
	require.NoError(t, err)
	_, err = e.m.Respond(ctx, "g1", "B", "yes")
	require.NoError(t, err)

	var rr protocol.RevealResults
	require.NoError(t, e.box.of("B", protocol.EvtBreakIceReveal)[0].Decode(&rr))
	assert.True(t, rr.SameAnswer)
}

func TestDuplicateResponseChangesNothing(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	_, err := e.m.Start(ctx, e.sess.ID, "g1", "q", "A")
	require.NoError(t, err)

	_, err = e.m.Respond(ctx, "g1", "A", "first")
	require.NoError(t, err)
	_, err = e.m.Respond(ctx, "g1", "A", "second")
	assert.True(t, errors.Is(err, errs.ErrGameDuplicate))
	assert.True(t, errs.IsProtocolViolation(err))

	r, err := e.m.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "first", r.Responses["A"])
	assert.True(t, r.Active)
	assert.Len(t, e.box.of("B", protocol.EvtBreakIcePartnerWaiting), 1)
}

func TestExactlyOneTerminal(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	_, err := e.m.Start(ctx, e.sess.ID, "g1", "q", "A")
	require.NoError(t, err)
	_, err = e.m.Respond(ctx, "g1", "A", "a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var respondErr, ignoreErr error
	wg.Add(2)
	go func() { defer wg.Done(); _, respondErr = e.m.Respond(ctx, "g1", "B", "b") }()
	go func() { defer wg.Done(); ignoreErr = e.m.Ignore(ctx, "g1", "B") }()
	wg.Wait()

	// 恰好一个成功
	assert.True(t, (respondErr == nil) != (ignoreErr == nil), "respond=%v ignore=%v", respondErr, ignoreErr)

	r, err := e.m.Get(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, r.Active)
	if respondErr == nil {
		assert.Equal(t, StateRevealed, r.State)
		assert.True(t, errors.Is(ignoreErr, errs.ErrGameInactive))
	} else {
		assert.Equal(t, StateCancelled, r.State)
		assert.True(t, errors.Is(respondErr, errs.ErrGameInactive))
	}
}

func TestIgnoreNotifiesPartnerOnly(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	_, err := e.m.Start(ctx, e.sess.ID, "g1", "q", "A")
	require.NoError(t, err)

	require.NoError(t, e.m.Ignore(ctx, "g1", "B"))
	got := e.box.of("A", protocol.EvtBreakIceIgnored)
	require.Len(t, got, 1)
	var gi protocol.GameIgnored
	require.NoError(t, got[0].Decode(&gi))
	assert.Equal(t, "B", gi.UserID)
	assert.Empty(t, e.box.of("B", protocol.EvtBreakIceIgnored))

	r, err := e.m.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "B", r.IgnoredBy)

	err = e.m.Ignore(ctx, "g1", "A")
	assert.True(t, errors.Is(err, errs.ErrGameInactive))
	_, err = e.m.Respond(ctx, "g1", "A", "late")
	assert.True(t, errors.Is(err, errs.ErrGameInactive))
}

func TestNonMemberAndMissing(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	_, err := e.m.Start(ctx, e.sess.ID, "g1", "q", "A")
	require.NoError(t, err)

	_, err = e.m.Respond(ctx, "g1", "C", "x")
	assert.True(t, errors.Is(err, errs.ErrNotMember))
	assert.True(t, errors.Is(e.m.Ignore(ctx, "g1", "C"), errs.ErrNotMember))

	_, err = e.m.Respond(ctx, "nope", "A", "x")
	assert.True(t, errors.Is(err, errs.ErrGameNotFound))
}

func TestSessionEndCancelsRounds(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	_, err := e.m.Start(ctx, e.sess.ID, "g1", "q", "A")
	require.NoError(t, err)

	ok, err := e.router.EndSession(ctx, e.sess.ID, "A")
	require.NoError(t, err)
	require.True(t, ok)

	r, err := e.m.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, r.State)
	assert.Empty(t, e.box.of("B", protocol.EvtBreakIceIgnored))

	_, err = e.m.Respond(ctx, "g1", "B", "x")
	assert.True(t, errors.Is(err, errs.ErrGameInactive))
}

func TestAbandonedRoundExpires(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	_, err := e.m.Start(ctx, e.sess.ID, "g1", "q", "A")
	require.NoError(t, err)

	e.mr.FastForward(31 * time.Minute)
	_, err = e.m.Get(ctx, "g1")
	assert.True(t, errors.Is(err, errs.ErrGameNotFound))
}

// 运行期热更新与回合处理并发进行
func TestCleanupDelayHotUpdate(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	assert.Equal(t, time.Second, e.m.CleanupDelay())

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-done:
				return
			default:
				e.m.SetCleanupDelay(time.Duration(i%3+1) * time.Second)
			}
		}
	}()
	for _, gid := range []string{"g1", "g2", "g3"} {
		_, err := e.m.Start(ctx, e.sess.ID, gid, "q", "A")
		require.NoError(t, err)
		_, err = e.m.Respond(ctx, gid, "A", "a")
		require.NoError(t, err)
		require.NoError(t, e.m.Ignore(ctx, gid, "B"))
	}
	close(done)
	wg.Wait()

	e.m.SetCleanupDelay(0)
	assert.Greater(t, e.m.CleanupDelay(), time.Duration(0))

	e.m.SetCleanupDelay(5 * time.Second)
	assert.Equal(t, 5*time.Second, e.m.CleanupDelay())
	_, err := e.m.Start(ctx, e.sess.ID, "g4", "q", "A")
	require.NoError(t, err)
	_, err = e.m.Respond(ctx, "g4", "A", "a")
	require.NoError(t, err)
	_, err = e.m.Respond(ctx, "g4", "B", "b")
	require.NoError(t, err)

	e.mr.FastForward(3 * time.Second)
	_, err = e.m.Get(ctx, "g4")
	require.NoError(t, err)
	e.mr.FastForward(3 * time.Second)
	_, err = e.m.Get(ctx, "g4")
	assert.True(t, errors.Is(err, errs.ErrGameNotFound))
}
