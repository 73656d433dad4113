// Package store is the shared Store client: two disjoint connections to
// the same Redis-compatible in-memory store (one for commands, one for
// pub/sub — the wire protocol forbids mixing the two), reconnect-with-
// backoff for the subscribe side, and the startup keyspace-notification
// toggle that the presence manager's expiry path depends on.
package store

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config describes how to reach the Store.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func (c Config) addr() string { return fmt.Sprintf("%s:%s", c.Host, c.Port) }

// Store owns the command connection and the subscribe connection. They
// MUST NOT be swapped: commands never run on the subscribe connection and
// vice versa.
type Store struct {
	cmd *goredis.Client
	sub *goredis.Client
	log *zap.Logger
}

// New builds a Store from cfg. Both connections point at the same Redis
// instance but are separate *redis.Client values so each can carry its
// own retry/backoff policy without interfering with the other's traffic.
func New(cfg Config, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	opts := &goredis.Options{
		Addr:            cfg.addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      3,
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
	}
	return &Store{
		cmd: goredis.NewClient(opts),
		sub: goredis.NewClient(opts),
		log: log.With(zap.String("component", "store")),
	}
}

// Cmd exposes the raw command client for components (presence, group)
// that issue Redis commands directly rather than through a Store method —
// this keeps Store itself from having to re-expose every primitive the
// go-redis client already provides (get/set/hash/set-ops/pipelines).
func (s *Store) Cmd() *goredis.Client { return s.cmd }

// Ping verifies the command connection is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.cmd.Ping(ctx).Err()
}

// EnableKeyspaceEvents configures the Store to publish expired-key events
// on DB 0. If it fails, expiry-driven offline transitions are disabled;
// the caller is expected to log and continue rather than treat this as
// fatal.
func (s *Store) EnableKeyspaceEvents(ctx context.Context) error {
	return s.cmd.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err()
}

// Publish sends payload on channel using the command connection (Redis
// PUBLISH does not require the subscribe-only connection).
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.cmd.Publish(ctx, channel, payload).Err()
}

// MessageHandler is invoked once per inbound pub/sub message.
type MessageHandler func(channel string, payload []byte)

// Subscribe runs handler for every message received on any of patterns
// (glob patterns or literal channel names — PSUBSCRIBE accepts both) until
// ctx is cancelled. On a broken subscribe connection it reconnects with
// exponential backoff and re-issues the same pattern subscription. It
// blocks; call it from a goroutine.
func (s *Store) Subscribe(ctx context.Context, patterns []string, handler MessageHandler) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := s.runSubscription(ctx, patterns, handler)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.Warn("pubsub subscription lost, reconnecting",
				zap.Error(err), zap.Duration("backoff", backoff))
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Store) runSubscription(ctx context.Context, patterns []string, handler MessageHandler) error {
	pubsub := s.sub.PSubscribe(ctx, patterns...)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	// A successful Receive does not reset the caller's backoff: each
	// reconnect after a lost subscription waits twice as long as the one
	// before, up to maxBackoff.

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("pubsub channel closed")
			}
			handler(msg.Channel, []byte(msg.Payload))
		case <-ctx.Done():
			return nil
		}
	}
}

// CloseSubscriptions releases the subscribe connection. During shutdown it
// is called before CloseCommands, so in-flight pub/sub handlers finish
// before command traffic stops.
func (s *Store) CloseSubscriptions() error {
	return s.sub.Close()
}

func (s *Store) CloseCommands() error {
	return s.cmd.Close()
}
