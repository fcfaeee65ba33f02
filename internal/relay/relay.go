package relay

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"pkt.systems/crewwatch/schema"
	"pkt.systems/pslog"
)

// DefaultPrefix namespaces relayed channels. The platform backend forwards
// its own execution:{id} channels to websocket clients, so relayed events
// must never land there.
const DefaultPrefix = "crewwatch"

// Publisher republishes stream events to Redis pub/sub so other processes
// can follow an execution without opening their own websocket.
type Publisher struct {
	client redis.UniversalClient
	owned  bool
	prefix string
	log    pslog.Logger
}

// New connects to the Redis server at rawURL (redis:// or rediss://).
// Channels are named {prefix}:execution:{id}; an empty prefix means
// DefaultPrefix.
func New(rawURL, prefix string, logger pslog.Logger) (*Publisher, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("relay redis url is required")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("relay", opts.Addr)
	}
	return &Publisher{client: redis.NewClient(opts), owned: true, prefix: cleanPrefix(prefix), log: logger}, nil
}

// NewWithClient wraps an existing client. Close leaves it open.
func NewWithClient(client redis.UniversalClient, prefix string, logger pslog.Logger) *Publisher {
	return &Publisher{client: client, prefix: cleanPrefix(prefix), log: logger}
}

func cleanPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

// Channel returns the pub/sub channel for event. Events carrying an
// execution id go to {prefix}:execution:{id}; others fall back to the
// target.
func (p *Publisher) Channel(target schema.Target, event schema.StreamEvent) string {
	switch {
	case event.ExecutionID != "":
		return p.prefix + ":execution:" + event.ExecutionID
	case target.Kind == schema.TargetExecution:
		return p.prefix + ":execution:" + target.ID
	default:
		return p.prefix + ":" + string(target.Kind) + ":" + target.ID
	}
}

// Ping checks connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish sends event as its wire JSON and returns the number of receivers.
func (p *Publisher) Publish(ctx context.Context, target schema.Target, event schema.StreamEvent) (int64, error) {
	if target.IsZero() {
		return 0, schema.ErrNoTarget
	}
	payload, err := event.MarshalJSON()
	if err != nil {
		return 0, err
	}
	channel := p.Channel(target, event)
	receivers, err := p.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		if p.log != nil {
			p.log.Warn("relay publish failed", "channel", channel, "err", err)
		}
		return 0, err
	}
	if p.log != nil {
		p.log.Trace("relay publish ok", "channel", channel, "receivers", receivers)
	}
	return receivers, nil
}

// Close releases the client when the publisher created it.
func (p *Publisher) Close() error {
	if p == nil || !p.owned {
		return nil
	}
	return p.client.Close()
}
