package store

import (
	"context"
	"errors"

	"github.com/zlnvch/sketchroom/models"
)

type RoomStore interface {
	GetRoom(ctx context.Context, roomId string) (models.Room, error)
	DeleteRoom(ctx context.Context, roomId string) error

	// GetOperations returns up to limit of the newest persisted operations
	// at or after the room's cutoff, oldest first, along with the highest
	// sequence number the room is known to have reached.
	GetOperations(ctx context.Context, roomId string, limit int) ([]models.OpRecord, int64, error)
	WriteOperationBatch(ctx context.Context, ops []models.OpRecord) ([]models.OpRecord, error)
	DeleteOperation(ctx context.Context, roomId string, seq int64, index int) error
	// SetRoomCutoff hides every operation sequenced before seq. A clear or a
	// restore at seq moves the cutoff; it never moves backwards.
	SetRoomCutoff(ctx context.Context, roomId string, seq int64) error
	// RaiseHighSeq records that the room has handed out seq, so the counter
	// never restarts below an operation that was sequenced and later undone.
	RaiseHighSeq(ctx context.Context, roomId string, seq int64) error
	DeleteOperationsBefore(ctx context.Context, roomId string, seq int64) error
	DeleteRoomData(ctx context.Context, roomId string) error

	PutSnapshot(ctx context.Context, snapshot models.Snapshot) (models.Snapshot, error)
	GetSnapshot(ctx context.Context, roomId string, snapshotId string) (models.Snapshot, error)
	ListSnapshots(ctx context.Context, roomId string, limit int) ([]models.Snapshot, error)

	PutChatMessage(ctx context.Context, msg models.ChatMessage) error
	GetChatHistory(ctx context.Context, roomId string, limit int) ([]models.ChatMessage, error)
}

// Custom error types for clarity
var (
	ErrItemNotFound    = errors.New("item does not exist")
	ErrConditionFailed = errors.New("condition not met")
)
