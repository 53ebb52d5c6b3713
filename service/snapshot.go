package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/canvas"
	"github.com/zlnvch/sketchroom/metrics"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/protocol"
	"github.com/zlnvch/sketchroom/store"
)

var ErrSnapshotNotFound = errors.New("snapshot not found")

// SaveSnapshot stores ops as a new snapshot and publishes the updated list
// to the room.
func (s *Service) SaveSnapshot(ctx context.Context, roomId string, user models.User, ops []models.Operation) (models.Snapshot, error) {
	if err := ValidateSnapshot(ops); err != nil {
		return models.Snapshot{}, err
	}

	snapshot, err := s.Store.PutSnapshot(ctx, models.Snapshot{
		RoomId:     roomId,
		SavedBy:    user.Username,
		Operations: ops,
	})
	if err != nil {
		return models.Snapshot{}, err
	}

	snapshots, err := s.ListSnapshots(ctx, roomId)
	if err != nil {
		return snapshot, err
	}

	history := protocol.SnapshotsHistory{Type: protocol.TypeSnapshotsHistory, Snapshots: snapshots}
	if err := s.publish(ctx, roomId, RoomEvent{}, history); err != nil {
		log.Error().Err(err).Str("room", roomId).Msg("Failed to publish snapshot list")
	}

	return snapshot, nil
}

// ListSnapshots returns the most recent snapshots, newest first, without
// their operations.
func (s *Service) ListSnapshots(ctx context.Context, roomId string) ([]models.Snapshot, error) {
	snapshots, err := s.Store.ListSnapshots(ctx, roomId, s.Limits.MaxSnapshots)
	if err != nil {
		return nil, err
	}
	if snapshots == nil {
		snapshots = []models.Snapshot{}
	}
	return snapshots, nil
}

func (s *Service) GetSnapshot(ctx context.Context, roomId string, snapshotId string) (models.Snapshot, error) {
	snapshot, err := s.Store.GetSnapshot(ctx, roomId, snapshotId)
	if errors.Is(err, store.ErrItemNotFound) {
		return models.Snapshot{}, ErrSnapshotNotFound
	}
	return snapshot, err
}

// RestoreSnapshot replaces the room log with the snapshot's operations. They
// all share one new sequence number and are persisted at increasing indexes.
func (s *Service) RestoreSnapshot(ctx context.Context, roomId string, user models.User, snapshotId string) (protocol.SnapshotRestored, error) {
	snapshot, err := s.GetSnapshot(ctx, roomId, snapshotId)
	if err != nil {
		return protocol.SnapshotRestored{}, err
	}

	ops := snapshot.Operations
	data := make([][]byte, 0, len(ops))
	for _, op := range ops {
		op.Seq = 0
		b, err := json.Marshal(op)
		if err != nil {
			return protocol.SnapshotRestored{}, err
		}
		data = append(data, b)
	}

	seq, err := s.Cache.ResetOperations(ctx, roomId, data)
	if err != nil {
		return protocol.SnapshotRestored{}, err
	}

	for i := range ops {
		ops[i].Seq = seq
		s.OpBatcher.Write(models.OpRecord{RoomId: roomId, Seq: seq, Index: i, Op: ops[i]})
	}
	s.cutOff(roomId, seq)
	metrics.OpsSequenced.WithLabelValues("restore").Inc()

	restored := protocol.SnapshotRestored{
		Type:         protocol.TypeSnapshotRestored,
		Seq:          seq,
		SnapshotId:   snapshot.Id,
		SnapshotData: ops,
		RestoredBy:   user.Username,
	}
	if err := s.publish(ctx, roomId, RoomEvent{}, restored); err != nil {
		log.Error().Err(err).Str("room", roomId).Int64("seq", seq).Msg("Failed to publish snapshot restore")
	}

	log.Info().Str("room", roomId).Str("snapshot", snapshot.Id).Int64("seq", seq).Msg("Snapshot restored")
	return restored, nil
}

// RenderSnapshot draws a snapshot to PNG.
func (s *Service) RenderSnapshot(ctx context.Context, roomId string, snapshotId string) ([]byte, error) {
	snapshot, err := s.GetSnapshot(ctx, roomId, snapshotId)
	if err != nil {
		return nil, err
	}
	return canvas.RenderPNG(snapshot.Operations)
}

// RenderRoom draws the current surviving log to PNG.
func (s *Service) RenderRoom(ctx context.Context, roomId string) ([]byte, error) {
	_, history, err := s.loadHistory(ctx, roomId)
	if err != nil {
		return nil, err
	}
	return canvas.RenderPNG(history)
}
