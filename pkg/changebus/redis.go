package changebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/orgfeed/pkg/errs"
)

// DefaultChannelPrefix prefixes the per-organization Redis channels
const DefaultChannelPrefix = "orgfeed:signals:"

// RedisTransport publishes signals on Redis channels and relays every
// organization channel into a local Bus, so subscribers on any replica see
// signals published on all of them
type RedisTransport struct {
	client *redis.Client
	bus    *Bus
	prefix string
	log    logrus.FieldLogger
}

// NewRedisTransport creates a transport relaying into bus
func NewRedisTransport(client *redis.Client, bus *Bus, prefix string, log logrus.FieldLogger) *RedisTransport {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if log == nil {
		log = logrus.New()
	}
	return &RedisTransport{client: client, bus: bus, prefix: prefix, log: log}
}

// Channel returns the Redis channel for orgID
func (t *RedisTransport) Channel(orgID string) string {
	return t.prefix + orgID
}

// Publish sends sig to orgID's channel. Redis failures are transient.
func (t *RedisTransport) Publish(ctx context.Context, orgID string, sig ChangeSignal) error {
	if sig.OrganizationID == "" {
		sig.OrganizationID = orgID
	}
	if err := sig.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	if err := t.client.Publish(ctx, t.Channel(orgID), payload).Err(); err != nil {
		return errs.Transient(fmt.Errorf("failed to publish signal: %w", err))
	}
	return nil
}

// Run relays signals from Redis into the local bus until ctx ends. ready,
// when non-nil, is closed once the pattern subscription is confirmed.
func (t *RedisTransport) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := t.client.PSubscribe(ctx, t.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return errs.Transient(fmt.Errorf("failed to subscribe to signal channels: %w", err))
	}
	if ready != nil {
		close(ready)
	}
	t.log.WithField("pattern", t.prefix+"*").Info("relaying change signals from redis")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			t.relay(ctx, msg)
		}
	}
}

func (t *RedisTransport) relay(ctx context.Context, msg *redis.Message) {
	orgID := strings.TrimPrefix(msg.Channel, t.prefix)

	var sig ChangeSignal
	if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
		t.log.WithError(err).WithField("channel", msg.Channel).Warn("discarding malformed signal")
		return
	}
	if err := t.bus.Publish(ctx, orgID, sig); err != nil {
		t.log.WithError(err).WithField("channel", msg.Channel).Warn("discarding signal")
	}
}
