package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/metrics"
)

const (
	channelPrefix  = "analytics:project:"
	publishTimeout = 2 * time.Second

	// outboxSize bounds the notifications waiting for Redis.
	outboxSize = 1024
)

// ErrRelayFull is returned by RedisRelay.Publish when the outbox is full and
// the notification was dropped.
var ErrRelayFull = errors.New("notify: redis relay outbox full")

// relayMessage is the wire form of a notification on Redis.
type relayMessage struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// outbound is an encoded notification waiting to be sent.
type outbound struct {
	channel string
	msg     []byte
}

// RedisRelay shares notifications between instances. Publish queues the
// message for the project's Redis channel and returns at once; Serve sends
// queued messages and subscribes to every project channel, republishing into
// the local Publisher, so a dashboard connected to any instance sees
// notifications produced by all of them.
type RedisRelay struct {
	client *redis.Client
	local  Publisher
	outbox chan outbound
}

// NewRedisRelay relays through client into local.
func NewRedisRelay(client *redis.Client, local Publisher) *RedisRelay {
	return newRedisRelay(client, local, outboxSize)
}

func newRedisRelay(client *redis.Client, local Publisher, size int) *RedisRelay {
	return &RedisRelay{client: client, local: local, outbox: make(chan outbound, size)}
}

// Channel returns the Redis channel of projectID.
func Channel(projectID string) string {
	return channelPrefix + projectID
}

// Publish implements Publisher. It never waits for Redis: the message is
// queued for Serve, or dropped with ErrRelayFull when the outbox is full.
func (r *RedisRelay) Publish(projectID, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg, err := json.Marshal(relayMessage{Name: name, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	select {
	case r.outbox <- outbound{channel: Channel(projectID), msg: msg}:
		return nil
	default:
		return ErrRelayFull
	}
}

// Serve implements suture.Service. Queued messages survive a restart of
// Serve; they are only lost when the outbox overflows.
func (r *RedisRelay) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.send(gctx) })
	g.Go(func() error { return r.subscribe(gctx) })
	return g.Wait()
}

// send drains the outbox into Redis.
func (r *RedisRelay) send(ctx context.Context) error {
	log := logging.WithComponent("redis-relay")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-r.outbox:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := r.client.Publish(pctx, out.channel, out.msg).Err()
			cancel()
			if err != nil && ctx.Err() == nil {
				metrics.NotificationErrors.WithLabelValues("relay").Inc()
				log.Warn().Err(err).Str("channel", out.channel).Msg("relay publish failed")
			}
		}
	}
}

func (r *RedisRelay) subscribe(ctx context.Context) error {
	log := logging.WithComponent("redis-relay")

	sub := r.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	// Fail fast so the supervisor backs off while Redis is down.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", channelPrefix, err)
	}
	log.Info().Str("pattern", channelPrefix+"*").Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay subscription closed")
			}
			r.deliver(m)
		}
	}
}

func (r *RedisRelay) deliver(m *redis.Message) {
	projectID := strings.TrimPrefix(m.Channel, channelPrefix)

	var msg relayMessage
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		logging.Warn().Err(err).Str("channel", m.Channel).Msg("undecodable relay message")
		return
	}
	if err := r.local.Publish(projectID, msg.Name, msg.Payload); err != nil {
		logging.Warn().Err(err).Str("project_id", projectID).Msg("relay delivery failed")
	}
}

func (r *RedisRelay) String() string { return "redis-relay" }
