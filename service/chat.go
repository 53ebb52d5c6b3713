package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/protocol"
)

func (s *Service) SendChat(ctx context.Context, roomId string, user models.User, text string) (models.ChatMessage, error) {
	text, err := ValidateChatMessage(text)
	if err != nil {
		return models.ChatMessage{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.ChatMessage{}, err
	}

	msg := models.ChatMessage{
		Id:        id.String(),
		RoomId:    roomId,
		Username:  user.Username,
		Message:   text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return models.ChatMessage{}, err
	}
	if err := s.Cache.AppendChatMessage(ctx, roomId, data, s.Limits.ChatHistory); err != nil {
		return models.ChatMessage{}, err
	}

	if err := s.publish(ctx, roomId, RoomEvent{}, protocol.Chat{Type: protocol.TypeChat, ChatMessage: msg}); err != nil {
		log.Error().Err(err).Str("room", roomId).Msg("Failed to publish chat message")
	}

	go func() {
		if err := s.Store.PutChatMessage(context.Background(), msg); err != nil {
			log.Error().Err(err).Str("room", roomId).Str("id", msg.Id).Msg("Failed to persist chat message")
		}
	}()

	return msg, nil
}
