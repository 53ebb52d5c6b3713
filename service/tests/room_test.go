package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/sketchroom/cache"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/protocol"
	"github.com/zlnvch/sketchroom/service"
	"github.com/zlnvch/sketchroom/worker"
)

func TestLoadRoom_FromCache(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	chat := models.ChatMessage{Id: "m1", RoomId: "r1", Username: "bob", Message: "hi", Timestamp: "2024-01-01T00:00:00Z"}
	mockCache.On("IsRoomComplete", ctx, "r1").Return(true, nil)
	mockCache.On("GetOperations", ctx, "r1").Return(int64(5), []cache.CachedOp{
		{Seq: 4, Data: mustJSON(t, brush("a"))},
		{Seq: 5, Data: []byte("{broken")},
	}, nil)
	mockCache.On("GetChatMessages", ctx, "r1").Return([][]byte{mustJSON(t, chat)}, true, nil)

	state, err := svc.LoadRoom(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, int64(5), state.Seq)
	require.Len(t, state.History, 1, "undecodable entries are skipped")
	assert.Equal(t, "a", state.History[0].Id)
	assert.Equal(t, int64(4), state.History[0].Seq)
	assert.Equal(t, []models.ChatMessage{chat}, state.Chat)

	frame := state.Init()
	assert.Equal(t, protocol.TypeInit, frame.Type)
	assert.Equal(t, int64(5), frame.Seq)

	mockStore.AssertNotCalled(t, "GetOperations", mock.Anything, mock.Anything, mock.Anything)
}

func TestLoadRoom_SeedsFromStoreOnMiss(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	stored := brush("a")
	stored.UserId = alice.Id
	stored.Seq = 12
	chat := []models.ChatMessage{{Id: "m1", RoomId: "r1", Username: "bob", Message: "hi"}}

	mockCache.On("IsRoomComplete", ctx, "r1").Return(false, nil)
	mockStore.On("GetOperations", ctx, "r1", 500).Return([]models.OpRecord{{RoomId: "r1", Seq: 12, Op: stored}}, int64(15), nil)
	seeded := mock.MatchedBy(func(ops []cache.CachedOp) bool {
		return len(ops) == 1 && ops[0].Seq == 12 && !bytes.Contains(ops[0].Data, []byte(`"seq"`))
	})
	mockCache.On("SeedOperations", ctx, "r1", int64(15), seeded).Return(nil)
	mockCache.On("GetOperations", ctx, "r1").Return(int64(15), []cache.CachedOp{{Seq: 12, Data: mustJSON(t, brush("a"))}}, nil)
	mockCache.On("GetChatMessages", ctx, "r1").Return(nil, false, nil)
	mockStore.On("GetChatHistory", ctx, "r1", 100).Return(chat, nil)
	mockCache.On("SeedChatMessages", ctx, "r1", [][]byte{mustJSON(t, chat[0])}).Return(nil)

	state, err := svc.LoadRoom(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, int64(15), state.Seq)
	require.Len(t, state.History, 1)
	assert.Equal(t, int64(12), state.History[0].Seq)
	assert.Equal(t, chat, state.Chat)

	mockCache.AssertExpectations(t)
	mockStore.AssertExpectations(t)
}

func TestDeleteRoom_ByAdmin(t *testing.T) {
	svc, mockStore, mockCache, mockMQ, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetRoom", ctx, "r1").Return(models.Room{Id: "r1", Admin: "alice"}, nil)
	mockStore.On("DeleteRoom", ctx, "r1").Return(nil)
	published := capturePublished(t, mockCache.On("Publish", ctx, "room:r1", mock.Anything).Return(nil))
	invalidateDone := wrapMockWithSignal(mockCache.On("InvalidateRoom", mock.Anything, "r1").Return(nil))
	sendDone := wrapMockWithSignal(mockMQ.On("Send", mock.Anything, mock.Anything).Return(nil))

	require.NoError(t, svc.DeleteRoom(ctx, "r1", alice))

	events := published.all()
	require.Len(t, events, 1)
	assert.True(t, events[0].Close)
	var info protocol.Info
	require.NoError(t, json.Unmarshal(events[0].Payload, &info))
	assert.Equal(t, protocol.Info{Type: protocol.TypeInfo, Message: "Room deleted by admin."}, info)

	waitFor(t, invalidateDone, "InvalidateRoom")
	waitFor(t, sendDone, "purge message")

	var msg worker.PurgeRoomMessage
	require.NoError(t, mockMQ.DecodeSent(0, &msg))
	assert.Equal(t, worker.PurgeRoomMessage{RoomId: "r1", DeleteAll: true}, msg)
}

func TestDeleteRoom_ByNonAdmin(t *testing.T) {
	svc, mockStore, mockCache, mockMQ, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetRoom", ctx, "r1").Return(models.Room{Id: "r1", Admin: "alice"}, nil)

	err := svc.DeleteRoom(ctx, "r1", bob)

	assert.ErrorIs(t, err, service.ErrNotRoomAdmin)
	mockStore.AssertNotCalled(t, "DeleteRoom", mock.Anything, mock.Anything)
	mockCache.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	mockMQ.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}
