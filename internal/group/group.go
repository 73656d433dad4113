// Package group implements group membership and the per-group
// current-speaker lock.
//
// Membership is a native Redis Set (SAdd/SRem/SMembers); the speaker
// lock uses an optimistic WATCH/MULTI/EXEC transaction (go-redis
// TxPipelineFunc) so concurrent claims resolve with a transactional
// "first write wins" tie-break rather than a last-writer-wins overwrite.
package group

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperr "pttrouter/pkg/errors"

	"pttrouter/internal/store"
)

// CurrentSpeaker is the tuple held in group:current:{g} while an audio
// turn is active.
type CurrentSpeaker struct {
	FromID    string `json:"fromId"`
	StartedAt int64  `json:"startedAt"`
	ExpiresAt int64  `json:"expiresAt"`
}

// State owns group membership and the speaker lock.
type State struct {
	store *store.Store
	log   *zap.Logger
}

func New(st *store.Store, log *zap.Logger) *State {
	if log == nil {
		log = zap.NewNop()
	}
	return &State{store: st, log: log.With(zap.String("component", "group"))}
}

// AddUserToGroup performs the bidirectional set update: the user is
// added to the group's member set and the group is added to the user's
// group set.
func (s *State) AddUserToGroup(ctx context.Context, userID, groupID string) error {
	pipe := s.store.Cmd().TxPipeline()
	pipe.SAdd(ctx, store.KeyGroupMembers(groupID), userID)
	pipe.SAdd(ctx, store.KeyUserGroups(userID), groupID)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveUserFromGroup undoes AddUserToGroup.
func (s *State) RemoveUserFromGroup(ctx context.Context, userID, groupID string) error {
	pipe := s.store.Cmd().TxPipeline()
	pipe.SRem(ctx, store.KeyGroupMembers(groupID), userID)
	pipe.SRem(ctx, store.KeyUserGroups(userID), groupID)
	_, err := pipe.Exec(ctx)
	return err
}

// UsersInsideGroup lists the group's members.
func (s *State) UsersInsideGroup(ctx context.Context, groupID string) ([]string, error) {
	return s.store.Cmd().SMembers(ctx, store.KeyGroupMembers(groupID)).Result()
}

// GroupsOfUser lists the groups a user belongs to.
func (s *State) GroupsOfUser(ctx context.Context, userID string) ([]string, error) {
	return s.store.Cmd().SMembers(ctx, store.KeyUserGroups(userID)).Result()
}

// SetCurrentSpeaker transactionally writes the speaker lock for groupID.
// If a lock is already held by a different fromId, it returns
// apperr.ErrBusy and does not overwrite the existing lock (tie-break:
// first successful write wins).
func (s *State) SetCurrentSpeaker(ctx context.Context, groupID, fromID string, ttl time.Duration) error {
	key := store.KeyGroupCurrent(groupID)
	now := time.Now()
	lock := CurrentSpeaker{FromID: fromID, StartedAt: now.UnixMilli(), ExpiresAt: now.Add(ttl).UnixMilli()}
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}

	txf := func(tx *goredis.Tx) error {
		existing, err := tx.Get(ctx, key).Result()
		if err != nil && err != goredis.Nil {
			return err
		}
		if err == nil {
			var held CurrentSpeaker
			if jsonErr := json.Unmarshal([]byte(existing), &held); jsonErr == nil && held.FromID != fromID {
				return apperr.ErrBusy
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	err = s.store.Cmd().Watch(ctx, txf, key)
	if err == goredis.TxFailedErr {
		return apperr.ErrBusy
	}
	return err
}

// ClearCurrentSpeaker unconditionally clears groupID's speaker lock.
func (s *State) ClearCurrentSpeaker(ctx context.Context, groupID string) error {
	return s.store.Cmd().Del(ctx, store.KeyGroupCurrent(groupID)).Err()
}

// ClearCurrentSpeakerOf clears the speaker lock in every group userID
// belongs to, if userID currently holds it. Called from the router's
// disconnect path and its idle-speaker sweep.
func (s *State) ClearCurrentSpeakerOf(ctx context.Context, userID string) error {
	groups, err := s.GroupsOfUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		data, err := s.store.Cmd().Get(ctx, store.KeyGroupCurrent(g)).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			s.log.Warn("speaker lock lookup failed", zap.String("group", g), zap.Error(err))
			continue
		}
		var held CurrentSpeaker
		if jsonErr := json.Unmarshal([]byte(data), &held); jsonErr == nil && held.FromID == userID {
			if err := s.ClearCurrentSpeaker(ctx, g); err != nil {
				s.log.Warn("failed to clear speaker lock", zap.String("group", g), zap.Error(err))
			}
		}
	}
	return nil
}

// PeriodicJanitor scans group keys in bounded batches (batchSize per
// cycle) on interval, clearing orphan group state for groups with no
// members. It blocks; call it from a goroutine. Safe only when a single
// process runs it; a multi-process deployment would need external
// leader election before running more than one instance concurrently.
func (s *State) PeriodicJanitor(ctx context.Context, interval time.Duration, batchSize int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJanitorCycle(ctx, batchSize)
		}
	}
}

func (s *State) runJanitorCycle(ctx context.Context, batchSize int64) {
	var touched int64
	// Redis deletes a Set once its last member is removed, so a group with
	// no members is found through its leftover speaker lock.
	iter := s.store.Cmd().Scan(ctx, 0, "group:current:*", batchSize).Iterator()
	for iter.Next(ctx) && touched < batchSize {
		touched++
		key := iter.Val()
		groupID := key[len("group:current:"):]

		count, err := s.store.Cmd().SCard(ctx, store.KeyGroupMembers(groupID)).Result()
		if err != nil {
			s.log.Warn("janitor scard failed", zap.String("group", groupID), zap.Error(err))
			continue
		}
		if count == 0 {
			pipe := s.store.Cmd().TxPipeline()
			pipe.Del(ctx, store.KeyGroupMembers(groupID))
			pipe.Del(ctx, key)
			if _, err := pipe.Exec(ctx); err != nil {
				s.log.Warn("janitor cleanup failed", zap.String("group", groupID), zap.Error(err))
			}
		}
	}
	if err := iter.Err(); err != nil {
		s.log.Warn("janitor scan failed", zap.Error(err))
	}
}
