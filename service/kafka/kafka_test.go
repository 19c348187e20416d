package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerSendUsesKey(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"content":"hi"}` {
			return errors.New("unexpected value " + string(val))
		}
		return nil
	})
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewProducerFrom(sp)
	require.NoError(t, p.Send(context.Background(), "randchat.messages", "s1", []byte(`{"content":"hi"}`)))
	assert.Error(t, p.Send(context.Background(), "randchat.messages", "s1", []byte(`x`)))
	require.NoError(t, p.Close())
}

func TestProducerHonoursCancelledContext(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	p := NewProducerFrom(sp)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, p.Send(ctx, "t", "k", nil))
	require.NoError(t, p.Close())
}

func handleA(context.Context, string, []byte, []byte) error { return nil }
func handleB(context.Context, string, []byte, []byte) error { return nil }

func TestRouterRegister(t *testing.T) {
	r := NewRouter()
	ok, dup := r.Register("t1", handleA)
	assert.True(t, ok)
	assert.False(t, dup)

	ok, dup = r.Register("t1", handleA)
	assert.True(t, ok)
	assert.True(t, dup)

	ok, dup = r.Register("t1", handleB)
	assert.False(t, ok)
	assert.True(t, dup)

	_, err := r.Handler("missing")
	assert.Error(t, err)
	assert.Equal(t, []string{"t1"}, r.Topics())
}

func TestDispatchCallsHandler(t *testing.T) {
	r := NewRouter()
	var gotKey, gotVal string
	r.Register("t1", func(_ context.Context, _ string, key, value []byte) error {
		gotKey, gotVal = string(key), string(value)
		return errors.New("ignored")
	})
	h := &groupHandler{ctx: context.Background(), router: r}
	h.dispatch(&sarama.ConsumerMessage{Topic: "t1", Key: []byte("k"), Value: []byte("v")})
	h.dispatch(&sarama.ConsumerMessage{Topic: "unknown"})
	assert.Equal(t, "k", gotKey)
	assert.Equal(t, "v", gotVal)
}

func TestBuildSaramaConfig(t *testing.T) {
	c := DefaultConfig()
	sc := BuildSaramaConfig(c)
	assert.Equal(t, sarama.CompressionSnappy, sc.Producer.Compression)
	assert.Equal(t, sarama.OffsetOldest, sc.Consumer.Offsets.Initial)
	assert.True(t, sc.Producer.Return.Successes)

	c.InitialOffset = "newest"
	c.ProducerCompression = "none"
	sc = BuildSaramaConfig(c)
	assert.Equal(t, sarama.OffsetNewest, sc.Consumer.Offsets.Initial)
	assert.Equal(t, sarama.CompressionNone, sc.Producer.Compression)
	require.NoError(t, sc.Validate())
}
