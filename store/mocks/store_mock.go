package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/sketchroom/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetRoom(ctx context.Context, roomId string) (models.Room, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *MockStore) DeleteRoom(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}

func (m *MockStore) GetOperations(ctx context.Context, roomId string, limit int) ([]models.OpRecord, int64, error) {
	args := m.Called(ctx, roomId, limit)
	return args.Get(0).([]models.OpRecord), args.Get(1).(int64), args.Error(2)
}

func (m *MockStore) WriteOperationBatch(ctx context.Context, ops []models.OpRecord) ([]models.OpRecord, error) {
	args := m.Called(ctx, ops)
	return args.Get(0).([]models.OpRecord), args.Error(1)
}

func (m *MockStore) DeleteOperation(ctx context.Context, roomId string, seq int64, index int) error {
	args := m.Called(ctx, roomId, seq, index)
	return args.Error(0)
}

func (m *MockStore) SetRoomCutoff(ctx context.Context, roomId string, seq int64) error {
	args := m.Called(ctx, roomId, seq)
	return args.Error(0)
}

func (m *MockStore) RaiseHighSeq(ctx context.Context, roomId string, seq int64) error {
	args := m.Called(ctx, roomId, seq)
	return args.Error(0)
}

func (m *MockStore) DeleteOperationsBefore(ctx context.Context, roomId string, seq int64) error {
	args := m.Called(ctx, roomId, seq)
	return args.Error(0)
}

func (m *MockStore) DeleteRoomData(ctx context.Context, roomId string) error {
	args := m.Called(ctx, roomId)
	return args.Error(0)
}

func (m *MockStore) PutSnapshot(ctx context.Context, snapshot models.Snapshot) (models.Snapshot, error) {
	args := m.Called(ctx, snapshot)
	return args.Get(0).(models.Snapshot), args.Error(1)
}

func (m *MockStore) GetSnapshot(ctx context.Context, roomId string, snapshotId string) (models.Snapshot, error) {
	args := m.Called(ctx, roomId, snapshotId)
	return args.Get(0).(models.Snapshot), args.Error(1)
}

func (m *MockStore) ListSnapshots(ctx context.Context, roomId string, limit int) ([]models.Snapshot, error) {
	args := m.Called(ctx, roomId, limit)
	return args.Get(0).([]models.Snapshot), args.Error(1)
}

func (m *MockStore) PutChatMessage(ctx context.Context, msg models.ChatMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockStore) GetChatHistory(ctx context.Context, roomId string, limit int) ([]models.ChatMessage, error) {
	args := m.Called(ctx, roomId, limit)
	return args.Get(0).([]models.ChatMessage), args.Error(1)
}
