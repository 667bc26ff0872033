package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"PersonDetection/internal/entity"
	mqttPkg "PersonDetection/pkg/mqtt"
	rabbitmqPkg "PersonDetection/pkg/rabbitmq"
	redisPkg "PersonDetection/pkg/redis"
)

const (
	snapshotKeyPrefix = "session:status:"
	eventsChannel     = "session.events"
)

func SnapshotKey(sessionID string) string {
	return snapshotKeyPrefix + sessionID
}

type redisPublisher struct {
	client redisPkg.IRedis
	ttl    time.Duration
}

// NewRedisPublisher keeps the latest status of each session under a key with
// a TTL and announces every change on a pub/sub channel.
func NewRedisPublisher(client redisPkg.IRedis, ttl time.Duration) Publisher {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisPublisher{client: client, ttl: ttl}
}

func (p *redisPublisher) Name() string { return "redis" }

func (p *redisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := event.Marshal()
	if err != nil {
		return err
	}

	if event.State == entity.StateDeleted {
		if err := p.client.DeleteSnapshot(ctx, SnapshotKey(event.SessionID)); err != nil {
			return err
		}
	} else if err := p.client.SetSnapshot(ctx, SnapshotKey(event.SessionID), payload, p.ttl); err != nil {
		return err
	}

	return p.client.Publish(ctx, eventsChannel, payload)
}

func (p *redisPublisher) Close() error {
	return p.client.Close()
}

type rabbitPublisher struct {
	client rabbitmqPkg.IRabbitMQ
}

// NewRabbitPublisher routes events as session.<state> on the topic exchange.
func NewRabbitPublisher(client rabbitmqPkg.IRabbitMQ) Publisher {
	return &rabbitPublisher{client: client}
}

func (p *rabbitPublisher) Name() string { return "rabbitmq" }

func (p *rabbitPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := event.Marshal()
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, RoutingKey(event.State), payload)
}

func (p *rabbitPublisher) Close() error {
	return p.client.Close()
}

func RoutingKey(state entity.SessionState) string {
	return "session." + strings.ToLower(string(state))
}

type mqttPublisher struct {
	client mqttPkg.IMQTT
	prefix string
}

// NewMQTTPublisher publishes to <prefix>/<session_id>/state.
func NewMQTTPublisher(client mqttPkg.IMQTT, prefix string) Publisher {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = "person-detection/sessions"
	}
	return &mqttPublisher{client: client, prefix: prefix}
}

func (p *mqttPublisher) Name() string { return "mqtt" }

func (p *mqttPublisher) Publish(_ context.Context, event Event) error {
	payload, err := event.Marshal()
	if err != nil {
		return err
	}
	return p.client.Publish(fmt.Sprintf("%s/%s/state", p.prefix, event.SessionID), payload)
}

func (p *mqttPublisher) Close() error {
	p.client.Disconnect()
	return nil
}
