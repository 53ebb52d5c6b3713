package cache

import "context"

// CachedOp is one entry of a room's live log. Data is the operation JSON
// without its sequence number; Seq and Index are stored alongside it.
type CachedOp struct {
	Seq   int64
	Index int
	Data  []byte
}

type RoomCache interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error

	// AppendOperation assigns the next room sequence number and pushes the
	// operation onto the live log, trimming it to maxLen entries.
	AppendOperation(ctx context.Context, roomId string, data []byte, maxLen int) (int64, error)
	// PopOperation assigns a sequence number to an undo and removes the most
	// recent entry. popped is nil when the log was empty.
	PopOperation(ctx context.Context, roomId string) (seq int64, popped *CachedOp, err error)
	// ResetOperations assigns a sequence number and replaces the whole log.
	// An empty ops clears the room.
	ResetOperations(ctx context.Context, roomId string, ops [][]byte) (int64, error)
	GetOperations(ctx context.Context, roomId string) (int64, []CachedOp, error)
	SeedOperations(ctx context.Context, roomId string, seq int64, ops []CachedOp) error

	IsRoomComplete(ctx context.Context, roomId string) (bool, error)
	InvalidateRoom(ctx context.Context, roomId string) error

	AppendChatMessage(ctx context.Context, roomId string, data []byte, maxLen int) error
	GetChatMessages(ctx context.Context, roomId string) ([][]byte, bool, error)
	SeedChatMessages(ctx context.Context, roomId string, messages [][]byte) error
}
