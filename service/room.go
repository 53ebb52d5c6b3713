package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/cache"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/mq"
	"github.com/zlnvch/sketchroom/protocol"
	"github.com/zlnvch/sketchroom/store"
	"github.com/zlnvch/sketchroom/worker"
)

const roomDeletedMessage = "Room deleted by admin."

// RoomState is what a joining session receives.
type RoomState struct {
	History []models.Operation
	Seq     int64
	Chat    []models.ChatMessage
}

func (r RoomState) Init() protocol.Init {
	return protocol.Init{Type: protocol.TypeInit, History: r.History, Seq: r.Seq, Chat: r.Chat}
}

// LoadRoom reads the surviving operation log and the recent chat. Redis is
// authoritative; the store only seeds it after a miss.
func (s *Service) LoadRoom(ctx context.Context, roomId string) (RoomState, error) {
	seq, history, err := s.loadHistory(ctx, roomId)
	if err != nil {
		return RoomState{}, err
	}

	chat, err := s.loadChat(ctx, roomId)
	if err != nil {
		return RoomState{}, err
	}

	return RoomState{History: history, Seq: seq, Chat: chat}, nil
}

func (s *Service) loadHistory(ctx context.Context, roomId string) (int64, []models.Operation, error) {
	if err := s.ensureLoaded(ctx, roomId); err != nil {
		return 0, nil, err
	}

	seq, cached, err := s.Cache.GetOperations(ctx, roomId)
	if err != nil {
		return 0, nil, err
	}

	history := make([]models.Operation, 0, len(cached))
	for _, c := range cached {
		var op models.Operation
		if err := json.Unmarshal(c.Data, &op); err != nil {
			log.Warn().Err(err).Str("room", roomId).Int64("seq", c.Seq).Msg("Skipping undecodable cached operation")
			continue
		}
		op.Seq = c.Seq
		history = append(history, op)
	}
	return seq, history, nil
}

func (s *Service) seedOperations(ctx context.Context, roomId string) error {
	records, maxSeq, err := s.Store.GetOperations(ctx, roomId, s.Limits.MaxHistory)
	if err != nil {
		return err
	}

	ops := make([]cache.CachedOp, 0, len(records))
	for _, r := range records {
		// Cached entries keep the sequence number outside the payload
		r.Op.Seq = 0
		data, err := json.Marshal(r.Op)
		if err != nil {
			return err
		}
		ops = append(ops, cache.CachedOp{Seq: r.Seq, Index: r.Index, Data: data})
	}

	log.Debug().Str("room", roomId).Int("ops", len(ops)).Int64("seq", maxSeq).Msg("Seeding room from store")
	return s.Cache.SeedOperations(ctx, roomId, maxSeq, ops)
}

func (s *Service) loadChat(ctx context.Context, roomId string) ([]models.ChatMessage, error) {
	raw, cached, err := s.Cache.GetChatMessages(ctx, roomId)
	if err != nil {
		return nil, err
	}

	if !cached {
		msgs, err := s.Store.GetChatHistory(ctx, roomId, s.Limits.ChatHistory)
		if err != nil {
			return nil, err
		}
		encoded := make([][]byte, 0, len(msgs))
		for _, m := range msgs {
			b, err := json.Marshal(m)
			if err != nil {
				return nil, err
			}
			encoded = append(encoded, b)
		}
		if err := s.Cache.SeedChatMessages(ctx, roomId, encoded); err != nil {
			log.Warn().Err(err).Str("room", roomId).Msg("Failed to seed chat cache")
		}
		return msgs, nil
	}

	msgs := make([]models.ChatMessage, 0, len(raw))
	for _, b := range raw {
		var m models.ChatMessage
		if err := json.Unmarshal(b, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// DeleteRoom removes the room directory entry, ends every session of the room
// on every instance and queues the removal of all room data.
func (s *Service) DeleteRoom(ctx context.Context, roomId string, user models.User) error {
	if err := s.requireAdmin(ctx, roomId, user); err != nil {
		return err
	}

	if err := s.Store.DeleteRoom(ctx, roomId); err != nil && !errors.Is(err, store.ErrItemNotFound) {
		return err
	}

	info := protocol.Info{Type: protocol.TypeInfo, Message: roomDeletedMessage}
	if err := s.publish(ctx, roomId, RoomEvent{Close: true}, info); err != nil {
		log.Error().Err(err).Str("room", roomId).Msg("Failed to publish room deletion")
	}

	log.Info().Str("room", roomId).Str("user", user.Username).Msg("Room deleted")

	// Async side-effects - the directory entry is already gone
	go func() {
		if err := s.Cache.InvalidateRoom(context.Background(), roomId); err != nil {
			log.Error().Err(err).Str("room", roomId).Msg("Failed to invalidate room cache")
		}

		msg := worker.PurgeRoomMessage{RoomId: roomId, DeleteAll: true}
		if err := mq.SendJSON(context.Background(), s.MQ, msg); err != nil {
			log.Error().Err(err).Str("room", roomId).Msg("Failed to enqueue room purge")
		}
	}()

	return nil
}
