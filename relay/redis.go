package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/logging"
	"github.com/redis/go-redis/v9"
)

const presenceTTL = 24 * time.Hour

type RedisConfig struct {
	Client        *redis.Client
	Room          string
	ID            string
	LoggerFactory logging.LoggerFactory
}

// RedisRelay publishes envelopes on the room's pub/sub channel and keeps
// the participant in the room's presence set while open.
type RedisRelay struct {
	cfg     RedisConfig
	log     logging.LeveledLogger
	handler handlerSlot
	pubsub  *redis.PubSub
	done    chan struct{}
}

func RoomChannel(room string) string { return "station:" + room }

func presenceKey(room string) string { return "room:" + room + ":peers" }

func NewRedisRelay(ctx context.Context, cfg RedisConfig) (*RedisRelay, error) {
	if cfg.Client == nil || cfg.ID == "" {
		return nil, errors.New("relay: redis client and id required")
	}
	if cfg.Room == "" {
		cfg.Room = "default"
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	ps := cfg.Client.Subscribe(ctx, RoomChannel(cfg.Room))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("relay: subscribe %s: %w", RoomChannel(cfg.Room), err)
	}
	key := presenceKey(cfg.Room)
	if err := cfg.Client.SAdd(ctx, key, cfg.ID).Err(); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("relay: join presence: %w", err)
	}
	cfg.Client.Expire(ctx, key, presenceTTL)

	r := &RedisRelay{
		cfg:    cfg,
		log:    cfg.LoggerFactory.NewLogger("relay"),
		pubsub: ps,
		done:   make(chan struct{}),
	}
	go r.receive()
	r.log.Infof("subscribed to %s as %s", RoomChannel(cfg.Room), cfg.ID)
	return r, nil
}

func (r *RedisRelay) Send(ctx context.Context, subject string, body any) error {
	data, err := encode(r.cfg.ID, subject, body)
	if err != nil {
		return err
	}
	if err := r.cfg.Client.Publish(ctx, RoomChannel(r.cfg.Room), data).Err(); err != nil {
		return fmt.Errorf("relay: publish %s: %w", subject, err)
	}
	return nil
}

func (r *RedisRelay) OnMessage(fn func(Message)) { r.handler.set(fn) }

// Members lists the participants currently present in the room.
func (r *RedisRelay) Members(ctx context.Context) ([]string, error) {
	return r.cfg.Client.SMembers(ctx, presenceKey(r.cfg.Room)).Result()
}

func (r *RedisRelay) receive() {
	defer close(r.done)
	for m := range r.pubsub.Channel() {
		msg, ok := decode(r.cfg.ID, []byte(m.Payload))
		if !ok {
			continue
		}
		if !r.handler.deliver(msg) {
			r.log.Debugf("no handler for %s from %s", msg.Subject, msg.From)
		}
	}
}

func (r *RedisRelay) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.cfg.Client.SRem(ctx, presenceKey(r.cfg.Room), r.cfg.ID)
	err := r.pubsub.Close()
	<-r.done
	return err
}
