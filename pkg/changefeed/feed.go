// Package changefeed fans change notices out to every process that holds a
// live query or session listener. Delivery is best effort.
package changefeed

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/ledger-notify/pkg/config"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
	"github.com/angelmondragon/ledger-notify/pkg/pubsub"
	pkgredis "github.com/angelmondragon/ledger-notify/pkg/redis"
)

// Handler receives the raw payload published on a channel.
type Handler func(ctx context.Context, payload []byte)

// Cancel stops a subscription. It is safe to call more than once.
type Cancel func()

// Feed publishes payloads to named channels and delivers them to subscribers.
type Feed interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) (Cancel, error)
	Close() error
}

// Deps carries the optional transports a driver may need.
type Deps struct {
	Redis  *pkgredis.Client
	PubSub *pubsub.Client
}

// New builds the feed selected by cfg.Driver.
func New(cfg config.ChangeFeedConfig, deps Deps, logg *logger.Logger) (Feed, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case config.ChangeFeedMemory:
		return NewMemory(), nil
	case config.ChangeFeedRedis, "":
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis change feed requires a redis client")
		}
		return NewRedis(deps.Redis, cfg.ChannelPrefix, logg), nil
	case config.ChangeFeedPubSub:
		if deps.PubSub == nil {
			return nil, fmt.Errorf("pubsub change feed requires a pubsub client")
		}
		pub, recv := deps.PubSub.ChangesPublisher(), deps.PubSub.ChangesReceiver()
		if pub == nil || recv == nil {
			return nil, fmt.Errorf("pubsub change feed requires a changes topic and subscription")
		}
		return NewPubSub(pub, recv, cfg.ChannelPrefix, logg), nil
	default:
		return nil, fmt.Errorf("unsupported change feed driver %q", cfg.Driver)
	}
}

func qualify(prefix, channel string) string {
	if prefix == "" {
		return channel
	}
	return prefix + "." + channel
}
