package probability

import (
	"context"
	"strings"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier fans table changes out to other replicas so they drop cached copies.
type Notifier interface {
	Publish(ctx context.Context, gameKey string, mode gamemath.Mode) error
	// Subscribe calls fn for every change until ctx is done.
	Subscribe(ctx context.Context, fn func(gameKey string, mode gamemath.Mode)) error
}

type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, string, gamemath.Mode) error { return nil }

func (NopNotifier) Subscribe(ctx context.Context, _ func(string, gamemath.Mode)) error {
	<-ctx.Done()
	return nil
}

const DefaultChannel = "rgs:probability:changed"

// RedisNotifier uses Redis pub/sub. Messages are "gameKey|mode".
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	log     *zap.Logger
}

func NewRedisNotifier(client redis.UniversalClient, channel string, log *zap.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisNotifier{client: client, channel: channel, log: log}
}

func (n *RedisNotifier) Publish(ctx context.Context, gameKey string, mode gamemath.Mode) error {
	return n.client.Publish(ctx, n.channel, gameKey+"|"+string(mode)).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, fn func(gameKey string, mode gamemath.Mode)) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			gameKey, mode, found := strings.Cut(msg.Payload, "|")
			if !found {
				n.log.Warn("malformed probability change message", zap.String("payload", msg.Payload))
				continue
			}
			m, err := gamemath.ParseMode(mode)
			if err != nil {
				n.log.Warn("unknown mode in change message", zap.String("payload", msg.Payload))
				continue
			}
			fn(gameKey, m)
		}
	}
}
