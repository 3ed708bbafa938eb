package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	co "github.com/ilnaes/quillsync/internal/common"
)

const DefaultChannelPrefix = "quillsync:room:"

// RedisRelay publishes room frames on redis so that every server process
// sharing the redis delivers them to its own room members. Unicast frames stay
// local since a connection lives in exactly one process.
type RedisRelay struct {
	hub    *Hub
	rdb    redis.UniversalClient
	prefix string
	log    *slog.Logger
}

func NewRedisRelay(hub *Hub, rdb redis.UniversalClient, prefix string, log *slog.Logger) *RedisRelay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisRelay{
		hub:    hub,
		rdb:    rdb,
		prefix: prefix,
		log:    log.With("component", "relay"),
	}
}

// Start subscribes to every room channel and returns once the subscription is
// confirmed, so frames published afterwards are not missed. Delivery runs until
// ctx is cancelled.
func (r *RedisRelay) Start(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, r.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s*: %w", r.prefix, err)
	}

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.deliver(msg)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (r *RedisRelay) deliver(msg *redis.Message) {
	docId := strings.TrimPrefix(msg.Channel, r.prefix)

	var res co.Response
	if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
		r.log.Error("failed to decode relayed frame", "doc", docId, "err", err)
		return
	}
	r.hub.Deliver(docId, res)
}

func (r *RedisRelay) ToRoom(ctx context.Context, docId string, res co.Response) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.prefix+docId, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", docId, err)
	}
	return nil
}

func (r *RedisRelay) ToConn(conn string, res co.Response) {
	r.hub.ToConn(conn, res)
}

var _ Broadcaster = (*RedisRelay)(nil)
