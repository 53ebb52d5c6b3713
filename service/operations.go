package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/metrics"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/mq"
	"github.com/zlnvch/sketchroom/store"
	"github.com/zlnvch/sketchroom/worker"
)

var (
	ErrNotRoomAdmin = errors.New("not the room admin")
	ErrRoomNotFound = errors.New("room not found")
)

func (s *Service) requireAdmin(ctx context.Context, roomId string, user models.User) error {
	room, err := s.Store.GetRoom(ctx, roomId)
	if errors.Is(err, store.ErrItemNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return err
	}

	admin := strings.ToLower(strings.TrimSpace(room.Admin))
	if admin == "" || admin != strings.ToLower(strings.TrimSpace(user.Username)) {
		log.Warn().Str("room", roomId).Str("user", user.Username).Msg("Non-admin attempted an admin action")
		return ErrNotRoomAdmin
	}
	return nil
}

// ensureLoaded seeds the live log from the store when redis no longer holds
// the room, so sequencing continues from the persisted history.
func (s *Service) ensureLoaded(ctx context.Context, roomId string) error {
	complete, err := s.Cache.IsRoomComplete(ctx, roomId)
	if err != nil {
		return err
	}
	if complete {
		return nil
	}
	return s.seedOperations(ctx, roomId)
}

// ApplyOperation sequences op in the room log and publishes it to every
// member, the author included. The returned operation carries the assigned
// sequence number.
func (s *Service) ApplyOperation(ctx context.Context, roomId string, user models.User, op models.Operation) (models.Operation, error) {
	if err := op.Validate(); err != nil {
		return op, err
	}
	op.UserId = user.Id
	op.Seq = 0

	if err := s.ensureLoaded(ctx, roomId); err != nil {
		return op, err
	}

	var (
		seq int64
		err error
	)
	switch op.Shape.(type) {
	case models.Clear:
		seq, err = s.clear(ctx, roomId, user)
	case models.Undo:
		seq, err = s.undo(ctx, roomId)
	default:
		seq, err = s.draw(ctx, roomId, op)
	}
	if err != nil {
		return op, err
	}

	op.Seq = seq
	metrics.OpsSequenced.WithLabelValues(string(op.Kind())).Inc()

	// The operation is committed at this point; a lost publish shows up as a
	// sequence gap that clients repair with a resync
	if err := s.publish(ctx, roomId, RoomEvent{}, op); err != nil {
		log.Error().Err(err).Str("room", roomId).Int64("seq", seq).Msg("Failed to publish operation")
	}

	return op, nil
}

func (s *Service) draw(ctx context.Context, roomId string, op models.Operation) (int64, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return 0, err
	}

	seq, err := s.Cache.AppendOperation(ctx, roomId, data, s.Limits.MaxHistory)
	if err != nil {
		return 0, err
	}

	op.Seq = seq
	s.OpBatcher.Write(models.OpRecord{RoomId: roomId, Seq: seq, Op: op})
	return seq, nil
}

func (s *Service) undo(ctx context.Context, roomId string) (int64, error) {
	seq, popped, err := s.Cache.PopOperation(ctx, roomId)
	if err != nil {
		return 0, err
	}

	// Undo on an empty log still takes a sequence number so every client
	// sees the same stream, but there is nothing to delete
	if popped != nil {
		s.OpBatcher.Delete(worker.DeleteOpRequest{RoomId: roomId, Seq: popped.Seq, Index: popped.Index})
	}
	return seq, nil
}

func (s *Service) clear(ctx context.Context, roomId string, user models.User) (int64, error) {
	if err := s.requireAdmin(ctx, roomId, user); err != nil {
		return 0, err
	}

	seq, err := s.Cache.ResetOperations(ctx, roomId, nil)
	if err != nil {
		return 0, err
	}

	s.cutOff(roomId, seq)
	log.Info().Str("room", roomId).Str("user", user.Username).Int64("seq", seq).Msg("Room cleared")
	return seq, nil
}

// cutOff hides every stored operation sequenced before seq and queues their
// removal.
func (s *Service) cutOff(roomId string, seq int64) {
	s.OpBatcher.Cutoff(worker.CutoffRequest{RoomId: roomId, Seq: seq})

	go func() {
		msg := worker.PurgeRoomMessage{RoomId: roomId, Before: seq}
		if err := mq.SendJSON(context.Background(), s.MQ, msg); err != nil {
			log.Error().Err(err).Str("room", roomId).Int64("before", seq).Msg("Failed to enqueue purge")
		}
	}()
}
