package service

import (
	"context"

	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/protocol"
)

// PublishCursor stamps the cursor with its owner and sends it to the other
// members.
func (s *Service) PublishCursor(ctx context.Context, roomId string, user models.User, cursor protocol.Cursor) error {
	cursor.Type = protocol.TypeCursor
	cursor.UserId = user.Id
	cursor.Name = user.Username
	return s.publish(ctx, roomId, RoomEvent{Except: user.Id}, cursor)
}

// RelaySignal forwards a call signaling frame. Addressed frames reach only
// the named peer; the rest go to every other member.
func (s *Service) RelaySignal(ctx context.Context, roomId string, user models.User, sig protocol.Signal) error {
	sig.From = user.Id
	sig.RoomId = roomId

	event := RoomEvent{Except: user.Id}
	if sig.To != "" {
		event = RoomEvent{To: sig.To}
	}
	return s.publish(ctx, roomId, event, sig)
}

// LeaveRoom announces a departed session. A session that was in a call also
// leaves it so the remaining peers drop their links.
func (s *Service) LeaveRoom(ctx context.Context, roomId string, user models.User, inCall bool) error {
	left := protocol.UserLeft{Type: protocol.TypeUserLeft, UserId: user.Id, Username: user.Username}
	if err := s.publish(ctx, roomId, RoomEvent{Except: user.Id}, left); err != nil {
		return err
	}
	if !inCall {
		return nil
	}
	return s.RelaySignal(ctx, roomId, user, protocol.Signal{Type: protocol.TypeLeave})
}
