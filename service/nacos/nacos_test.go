package nacos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu        sync.Mutex
	content   string
	getErr    error
	listener  func(namespace, group, dataId, data string)
	cancelled bool
}

func (f *fakeSource) GetConfig(vo.ConfigParam) (string, error) { return f.content, f.getErr }

func (f *fakeSource) ListenConfig(p vo.ConfigParam) error {
	f.mu.Lock()
	f.listener = p.OnChange
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) CancelListenConfig(vo.ConfigParam) error {
	f.mu.Lock()
	f.cancelled = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) push(data string) {
	f.mu.Lock()
	fn := f.listener
	f.mu.Unlock()
	fn("public", "g", "d", data)
}

func TestWatcherInitialAndChanges(t *testing.T) {
	src := &fakeSource{content: "a: 1"}
	w := NewWatcher(src, "d", "g")

	got := make(chan string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx, func(s string) { got <- s }) }()

	assert.Equal(t, "a: 1", <-got)
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.listener != nil
	}, time.Second, 5*time.Millisecond)

	src.push("a: 2")
	assert.Equal(t, "a: 2", <-got)
	assert.Equal(t, "a: 2", w.Current())

	cancel()
	require.NoError(t, <-done)
	assert.True(t, src.cancelled)
}

func TestWatcherGetError(t *testing.T) {
	w := NewWatcher(&fakeSource{getErr: errors.New("down")}, "d", "g")
	assert.Error(t, w.Watch(context.Background(), nil))
}

type fakeNaming struct {
	reg   []vo.RegisterInstanceParam
	dereg int
	ok    bool
}

func (f *fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	f.reg = append(f.reg, p)
	return f.ok, nil
}

func (f *fakeNaming) DeregisterInstance(vo.DeregisterInstanceParam) (bool, error) {
	f.dereg++
	return true, nil
}

func TestRegistry(t *testing.T) {
	n := &fakeNaming{ok: true}
	r := NewRegistry(n, "randchat-gateway", "10.0.0.1", 8080)
	require.NoError(t, r.Register("server_a"))
	require.Len(t, n.reg, 1)
	assert.Equal(t, "server_a", n.reg[0].Metadata["processId"])
	r.Deregister()
	assert.Equal(t, 1, n.dereg)

	n.ok = false
	assert.Error(t, r.Register("server_a"))
}
