package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/suPer8Hu/ai-workspace/internal/chat"
)

// Store pushes chat session events over redis pub/sub so that any API
// instance can serve a session's event stream.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(addr, password string, db int, log *zap.Logger) *Store {
	return NewFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), log)
}

func NewFromClient(rdb *redis.Client, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{rdb: rdb, log: log}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func sessionChannel(sessionID string) string {
	return "chat:session:" + sessionID + ":events"
}

func (s *Store) Publish(ctx context.Context, ev chat.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, sessionChannel(ev.SessionID), b).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe streams a session's events until ctx is done, then closes the
// returned channel. Payloads that do not decode are logged and dropped.
func (s *Store) Subscribe(ctx context.Context, sessionID string) (<-chan chat.Event, error) {
	ps := s.rdb.Subscribe(ctx, sessionChannel(sessionID))
	// wait for the subscription confirmation so no event published after
	// Subscribe returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan chat.Event, 16)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev chat.Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					s.log.Warn("drop undecodable session event", zap.String("channel", m.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
