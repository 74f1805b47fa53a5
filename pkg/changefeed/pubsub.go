package changefeed

import (
	"context"
	"errors"
	"sync"

	"github.com/angelmondragon/ledger-notify/pkg/logger"
	"github.com/angelmondragon/ledger-notify/pkg/pubsub"
)

type topicPublisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) error
	Stop()
}

type topicReceiver interface {
	Receive(ctx context.Context, fn func(ctx context.Context, data []byte, attrs map[string]string)) error
}

// PubSub relays payloads through a single Google Cloud Pub/Sub topic. Every
// instance needs its own subscription so each one sees every change.
type PubSub struct {
	pub    topicPublisher
	recv   topicReceiver
	prefix string
	logg   *logger.Logger
	local  *Memory

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPubSub(pub topicPublisher, recv topicReceiver, prefix string, logg *logger.Logger) *PubSub {
	return &PubSub{
		pub:    pub,
		recv:   recv,
		prefix: prefix,
		logg:   logg,
		local:  NewMemory(),
	}
}

func (p *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if p.pub == nil {
		return errors.New("pubsub publisher not configured")
	}
	return p.pub.Publish(ctx, payload, map[string]string{pubsub.ChannelAttribute: qualify(p.prefix, channel)})
}

// Subscribe registers handler locally and starts the shared receive loop on first use.
func (p *PubSub) Subscribe(ctx context.Context, channel string, handler Handler) (Cancel, error) {
	if p.recv == nil {
		return nil, errors.New("pubsub receiver not configured")
	}
	cancel, err := p.local.Subscribe(ctx, qualify(p.prefix, channel), handler)
	if err != nil {
		return nil, err
	}
	p.startReceiving(ctx)
	return cancel, nil
}

func (p *PubSub) startReceiving(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	recvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		err := p.recv.Receive(recvCtx, func(ctx context.Context, data []byte, attrs map[string]string) {
			channel := attrs[pubsub.ChannelAttribute]
			if channel == "" {
				return
			}
			_ = p.local.Publish(ctx, channel, data)
		})
		if err != nil && recvCtx.Err() == nil && p.logg != nil {
			p.logg.Error(recvCtx, "pubsub change feed receive stopped", err)
		}
	}()
}

func (p *PubSub) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if p.pub != nil {
		p.pub.Stop()
	}
	return p.local.Close()
}
