package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/sketchroom/cache"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *MockCache) AppendOperation(ctx context.Context, roomId string, data []byte, maxLen int) (int64, error) {
	args := m.Called(ctx, roomId, data, maxLen)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCache) PopOperation(ctx context.Context, roomId string) (int64, *cache.CachedOp, error) {
	args := m.Called(ctx, roomId)
	var popped *cache.CachedOp
	if v := args.Get(1); v != nil {
		popped = v.(*cache.CachedOp)
	}
	return args.Get(0).(int64), popped, args.Error(2)
}

func (m *MockCache) ResetOperations(ctx context.Context, roomId string, ops [][]byte) (int64, error) {
	args := m.Called(ctx, roomId, ops)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockCache) GetOperations(ctx context.Context, roomId string) (int64, []cache.CachedOp, error) {
	args := m.Called(ctx, roomId)
	var ops []cache.CachedOp
	if v := args.Get(1); v != nil {
		ops = v.([]cache.CachedOp)
	}
	return args.Get(0).(int64), ops, args.Error(2)
}

func (m *MockCache) SeedOperations(ctx context.Context, roomId string, seq int64, ops []cache.CachedOp) error {
	args := m.Called(ctx, roomId, seq, ops)
	return args.Error(0)
}

func (m *MockCache) IsRoomComplete(ctx context.Context, roomId string) (bool, error) {
	args := m.Called(ctx, roomId)
	return args.Bool(0), args.Error(1)
}

func (m *MockCache) InvalidateRoom(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}

func (m *MockCache) AppendChatMessage(ctx context.Context, roomId string, data []byte, maxLen int) error {
	args := m.Called(ctx, roomId, data, maxLen)
	return args.Error(0)
}

func (m *MockCache) GetChatMessages(ctx context.Context, roomId string) ([][]byte, bool, error) {
	args := m.Called(ctx, roomId)
	var msgs [][]byte
	if v := args.Get(0); v != nil {
		msgs = v.([][]byte)
	}
	return msgs, args.Bool(1), args.Error(2)
}

func (m *MockCache) SeedChatMessages(ctx context.Context, roomId string, messages [][]byte) error {
	args := m.Called(ctx, roomId, messages)
	return args.Error(0)
}
