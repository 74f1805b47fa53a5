package changefeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ledger-notify/pkg/config"
)

func TestMemoryDeliversToChannelSubscribers(t *testing.T) {
	feed := NewMemory()
	ctx := context.Background()

	var got []string
	cancel, err := feed.Subscribe(ctx, "docstore", func(_ context.Context, payload []byte) {
		got = append(got, string(payload))
	})
	require.NoError(t, err)

	other := 0
	_, err = feed.Subscribe(ctx, "identity", func(context.Context, []byte) { other++ })
	require.NoError(t, err)

	require.NoError(t, feed.Publish(ctx, "docstore", []byte("a")))
	require.NoError(t, feed.Publish(ctx, "docstore", []byte("b")))
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Zero(t, other)

	cancel()
	cancel()
	require.NoError(t, feed.Publish(ctx, "docstore", []byte("c")))
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Zero(t, feed.Subscribers("docstore"))
	assert.Equal(t, 1, feed.Subscribers("identity"))

	require.NoError(t, feed.Close())
	assert.ErrorIs(t, feed.Publish(ctx, "docstore", nil), ErrClosed)
	_, err = feed.Subscribe(ctx, "docstore", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrClosed)
}

type fakeSource struct {
	ch     chan *redis.Message
	once   sync.Once
	closed bool
}

func (f *fakeSource) Channel(...redis.ChannelOption) <-chan *redis.Message { return f.ch }

func (f *fakeSource) Close() error {
	f.once.Do(func() {
		f.closed = true
		close(f.ch)
	})
	return nil
}

type fakeRedisPublisher struct {
	mu      sync.Mutex
	sources map[string]*fakeSource
}

func (f *fakeRedisPublisher) ChannelName(name string) string { return "ledger:channel:" + name }

func (f *fakeRedisPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	src := f.sources[channel]
	f.mu.Unlock()
	if src != nil {
		src.ch <- &redis.Message{Channel: channel, Payload: string(payload)}
	}
	return nil
}

func newFakeRedis() (*Redis, *fakeRedisPublisher) {
	pub := &fakeRedisPublisher{sources: map[string]*fakeSource{}}
	feed := &Redis{
		pub:    pub,
		prefix: "ledger",
		subscribe: func(_ context.Context, channel string) (messageSource, error) {
			src := &fakeSource{ch: make(chan *redis.Message, 4)}
			pub.mu.Lock()
			pub.sources[channel] = src
			pub.mu.Unlock()
			return src, nil
		},
		sources: map[messageSource]context.CancelFunc{},
	}
	return feed, pub
}

func TestRedisRelaysThroughNamespacedChannel(t *testing.T) {
	feed, pub := newFakeRedis()
	ctx := context.Background()

	received := make(chan string, 1)
	cancel, err := feed.Subscribe(ctx, "docstore", func(_ context.Context, payload []byte) {
		received <- string(payload)
	})
	require.NoError(t, err)
	require.Contains(t, pub.sources, "ledger:channel:ledger.docstore")

	require.NoError(t, feed.Publish(ctx, "docstore", []byte(`{"id":"1"}`)))
	select {
	case got := <-received:
		assert.Equal(t, `{"id":"1"}`, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for relayed payload")
	}

	cancel()
	assert.True(t, pub.sources["ledger:channel:ledger.docstore"].closed)
	require.NoError(t, feed.Close())
	assert.ErrorIs(t, feed.Publish(ctx, "docstore", nil), ErrClosed)
}

func TestRedisCloseReleasesOpenSubscriptions(t *testing.T) {
	feed, pub := newFakeRedis()
	_, err := feed.Subscribe(context.Background(), "identity", func(context.Context, []byte) {})
	require.NoError(t, err)

	require.NoError(t, feed.Close())
	assert.True(t, pub.sources["ledger:channel:ledger.identity"].closed)
}

type loopbackTopic struct {
	msgs    chan loopbackMessage
	stopped bool
}

type loopbackMessage struct {
	data  []byte
	attrs map[string]string
}

func (l *loopbackTopic) Publish(_ context.Context, data []byte, attrs map[string]string) error {
	l.msgs <- loopbackMessage{data: data, attrs: attrs}
	return nil
}

func (l *loopbackTopic) Stop() { l.stopped = true }

func (l *loopbackTopic) Receive(ctx context.Context, fn func(context.Context, []byte, map[string]string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-l.msgs:
			fn(ctx, msg.data, msg.attrs)
		}
	}
}

func TestPubSubDispatchesByChannelAttribute(t *testing.T) {
	topic := &loopbackTopic{msgs: make(chan loopbackMessage, 4)}
	feed := NewPubSub(topic, topic, "ledger", nil)
	ctx := context.Background()

	docs := make(chan string, 2)
	_, err := feed.Subscribe(ctx, "docstore", func(_ context.Context, payload []byte) { docs <- string(payload) })
	require.NoError(t, err)
	sessions := make(chan string, 2)
	_, err = feed.Subscribe(ctx, "identity", func(_ context.Context, payload []byte) { sessions <- string(payload) })
	require.NoError(t, err)

	require.NoError(t, feed.Publish(ctx, "identity", []byte("revoked")))
	select {
	case got := <-sessions:
		assert.Equal(t, "revoked", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for identity payload")
	}
	assert.Empty(t, docs)

	require.NoError(t, feed.Close())
	assert.True(t, topic.stopped)
}

func TestNewSelectsDriver(t *testing.T) {
	feed, err := New(config.ChangeFeedConfig{Driver: config.ChangeFeedMemory}, Deps{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, feed)

	_, err = New(config.ChangeFeedConfig{Driver: config.ChangeFeedRedis}, Deps{}, nil)
	assert.Error(t, err)
	_, err = New(config.ChangeFeedConfig{Driver: config.ChangeFeedPubSub}, Deps{}, nil)
	assert.Error(t, err)
	_, err = New(config.ChangeFeedConfig{Driver: "kafka"}, Deps{}, nil)
	assert.Error(t, err)
}
