package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisChannel = "buslane:state"

// RedisStore keeps records in redis and propagates change events over a
// pub/sub channel, so clients on different machines behave like tabs of one
// browser. Records never expire: eviction is an explicit Delete.
type RedisStore struct {
	client *redis.Client
	prefix string
	origin string
}

type redisEvent struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
	Origin  string `json:"origin"`
}

// OpenRedis validates the connection with a short ping and returns the store.
func OpenRedis(client *redis.Client, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("storage: nil redis client")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "buslane:"
	}
	return &RedisStore{client: client, prefix: prefix, origin: uuid.NewString()}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return value, err
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return err
	}
	return r.announce(ctx, redisEvent{Key: key, Value: value, Origin: r.origin})
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	removed, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}
	return r.announce(ctx, redisEvent{Key: key, Deleted: true, Origin: r.origin})
}

func (r *RedisStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(r.prefix):])
	}
	return keys, iter.Err()
}

func (r *RedisStore) announce(ctx context.Context, evt redisEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, redisChannel, payload).Err()
}

// Watch subscribes to the change channel and forwards events originating
// from other clients.
func (r *RedisStore) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)
	sub := r.client.Subscribe(ctx, redisChannel)

	go func() {
		defer close(ch)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var evt redisEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				if evt.Origin == r.origin {
					continue
				}
				out := Event{Key: evt.Key, Origin: evt.Origin}
				if !evt.Deleted {
					out.Value = evt.Value
				}
				select {
				case ch <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch
}
