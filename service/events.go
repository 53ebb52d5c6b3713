package service

import (
	"context"
	"encoding/json"
)

// RoomEvent is the envelope published on a room channel. Every instance with
// sessions in the room receives it and its hub delivers Payload locally.
type RoomEvent struct {
	// To limits delivery to the sessions of one user
	To string `json:"to,omitempty"`
	// Except skips the sessions of one user
	Except string `json:"except,omitempty"`
	// Close ends every session of the room after delivery
	Close   bool            `json:"close,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func RoomChannel(roomId string) string {
	return "room:" + roomId
}

func (s *Service) publish(ctx context.Context, roomId string, event RoomEvent, frame any) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	event.Payload = payload

	msg, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.Cache.Publish(ctx, RoomChannel(roomId), msg)
}
