package changefeed

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/angelmondragon/ledger-notify/pkg/logger"
	pkgredis "github.com/angelmondragon/ledger-notify/pkg/redis"
)

type messageSource interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	ChannelName(name string) string
}

// Redis relays payloads through Redis Pub/Sub, one connection per subscription.
type Redis struct {
	pub       redisPublisher
	subscribe func(ctx context.Context, channel string) (messageSource, error)
	prefix    string
	logg      *logger.Logger

	mu      sync.Mutex
	sources map[messageSource]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

func NewRedis(client *pkgredis.Client, prefix string, logg *logger.Logger) *Redis {
	return &Redis{
		pub: client,
		subscribe: func(ctx context.Context, channel string) (messageSource, error) {
			ps, err := client.Subscribe(ctx, channel)
			if err != nil {
				return nil, err
			}
			return ps, nil
		},
		prefix:  prefix,
		logg:    logg,
		sources: make(map[messageSource]context.CancelFunc),
	}
}

func (r *Redis) channel(name string) string {
	return r.pub.ChannelName(qualify(r.prefix, name))
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return r.pub.Publish(ctx, r.channel(channel), payload)
}

func (r *Redis) Subscribe(ctx context.Context, channel string, handler Handler) (Cancel, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	src, err := r.subscribe(ctx, r.channel(channel))
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.sources[src] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range src.Channel() {
			if loopCtx.Err() != nil {
				return
			}
			handler(loopCtx, []byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := r.release(src); err != nil && r.logg != nil {
				r.logg.Error(loopCtx, "closing change feed subscription", err)
			}
		})
	}, nil
}

func (r *Redis) release(src messageSource) error {
	r.mu.Lock()
	cancel, ok := r.sources[src]
	delete(r.sources, src)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	cancel()
	return src.Close()
}

// Close releases every open subscription and waits for their loops to exit.
func (r *Redis) Close() error {
	r.mu.Lock()
	r.closed = true
	sources := make([]messageSource, 0, len(r.sources))
	for src := range r.sources {
		sources = append(sources, src)
	}
	r.mu.Unlock()

	var errs error
	for _, src := range sources {
		errs = multierr.Append(errs, r.release(src))
	}
	r.wg.Wait()
	return errs
}
