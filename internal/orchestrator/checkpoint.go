package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/chatforge/chatforge/internal/store/redisstore"
)

type CheckpointStatus string

const (
	CheckpointActive    CheckpointStatus = "active"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointError     CheckpointStatus = "error"
)

// StreamCheckpoint is the durable resume marker. TokenIndex never decreases
// for a given stream id.
type StreamCheckpoint struct {
	ChatID     string           `json:"chat_id"`
	StreamID   string           `json:"stream_id"`
	TokenIndex int              `json:"token_index"`
	Status     CheckpointStatus `json:"status"`
	WrittenAt  time.Time        `json:"written_at"`
}

const checkpointKeyPrefix = "ckpt:"

type CheckpointStore struct {
	store *redisstore.Store
	ttl   time.Duration
}

func NewCheckpointStore(store *redisstore.Store) *CheckpointStore {
	return &CheckpointStore{store: store, ttl: 24 * time.Hour}
}

// Write persists the marker. A stale index (below what is already recorded
// for the stream) is dropped to keep the sequence non-decreasing.
func (s *CheckpointStore) Write(ctx context.Context, cp StreamCheckpoint) error {
	existing, err := s.Read(ctx, cp.StreamID)
	if err != nil && !errors.Is(err, redisstore.ErrNotFound) {
		return err
	}
	if err == nil && existing.TokenIndex > cp.TokenIndex {
		return nil
	}
	cp.WrittenAt = time.Now()
	return s.store.SetJSON(ctx, checkpointKeyPrefix+cp.StreamID, cp, s.ttl)
}

func (s *CheckpointStore) Read(ctx context.Context, streamID string) (*StreamCheckpoint, error) {
	var cp StreamCheckpoint
	if err := s.store.GetJSON(ctx, checkpointKeyPrefix+streamID, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
