package service_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/protocol"
	"github.com/zlnvch/sketchroom/service"
	"github.com/zlnvch/sketchroom/store"
	"github.com/zlnvch/sketchroom/worker"
)

func TestSaveSnapshot_PublishesHistory(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	ops := []models.Operation{brush("a")}
	saved := models.Snapshot{Id: "s1", RoomId: "r1", SavedBy: "alice", Created: 100}
	mockStore.On("PutSnapshot", ctx, mock.MatchedBy(func(s models.Snapshot) bool {
		return s.RoomId == "r1" && s.SavedBy == "alice" && len(s.Operations) == 1
	})).Return(saved, nil)
	mockStore.On("ListSnapshots", ctx, "r1", 50).Return([]models.Snapshot{saved}, nil)
	published := capturePublished(t, mockCache.On("Publish", ctx, "room:r1", mock.Anything).Return(nil))

	got, err := svc.SaveSnapshot(ctx, "r1", alice, ops)
	require.NoError(t, err)
	assert.Equal(t, "s1", got.Id)

	events := published.all()
	require.Len(t, events, 1)
	var history protocol.SnapshotsHistory
	require.NoError(t, json.Unmarshal(events[0].Payload, &history))
	assert.Equal(t, protocol.TypeSnapshotsHistory, history.Type)
	require.Len(t, history.Snapshots, 1)
	assert.Equal(t, "s1", history.Snapshots[0].Id)
	assert.Equal(t, "alice", history.Snapshots[0].SavedBy)
}

func TestSaveSnapshot_RejectsControlOperations(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)

	_, err := svc.SaveSnapshot(context.Background(), "r1", alice, []models.Operation{brush("a"), {Shape: models.Clear{}}})

	assert.ErrorIs(t, err, models.ErrInvalidOperation)
	mockStore.AssertNotCalled(t, "PutSnapshot", mock.Anything, mock.Anything)
}

func TestListSnapshots_NeverNil(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("ListSnapshots", ctx, "r1", 50).Return([]models.Snapshot(nil), nil)

	list, err := svc.ListSnapshots(ctx, "r1")
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestRestoreSnapshot_ReplacesLogAtOneSequence(t *testing.T) {
	svc, mockStore, mockCache, mockMQ, batcher := setupService(t)
	ctx := context.Background()

	snapshot := models.Snapshot{Id: "s1", RoomId: "r1", Operations: []models.Operation{brush("a"), brush("b")}}
	mockStore.On("GetSnapshot", ctx, "r1", "s1").Return(snapshot, nil)
	mockCache.On("ResetOperations", ctx, "r1", mock.MatchedBy(func(ops [][]byte) bool { return len(ops) == 2 })).Return(int64(30), nil)
	published := capturePublished(t, mockCache.On("Publish", ctx, "room:r1", mock.Anything).Return(nil))
	sendDone := wrapMockWithSignal(mockMQ.On("Send", mock.Anything, mock.Anything).Return(nil))

	restored, err := svc.RestoreSnapshot(ctx, "r1", bob, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), restored.Seq)
	assert.Equal(t, "bob", restored.RestoredBy)

	for i, id := range []string{"a", "b"} {
		rec := nextRequest(t, batcher).Write
		require.NotNil(t, rec, "restored operation was not batched")
		assert.Equal(t, int64(30), rec.Seq)
		assert.Equal(t, i, rec.Index)
		assert.Equal(t, id, rec.Op.Id)
	}

	req := nextRequest(t, batcher).Cutoff
	require.NotNil(t, req, "restore did not raise the cutoff")
	assert.Equal(t, worker.CutoffRequest{RoomId: "r1", Seq: 30}, *req)

	events := published.all()
	require.Len(t, events, 1)
	assert.Equal(t, protocol.TypeSnapshotRestored, payloadType(t, events[0]))

	waitFor(t, sendDone, "purge message")
}

func TestRestoreSnapshot_Missing(t *testing.T) {
	svc, mockStore, mockCache, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetSnapshot", ctx, "r1", "nope").Return(models.Snapshot{}, store.ErrItemNotFound)

	_, err := svc.RestoreSnapshot(ctx, "r1", bob, "nope")

	assert.ErrorIs(t, err, service.ErrSnapshotNotFound)
	mockCache.AssertNotCalled(t, "ResetOperations", mock.Anything, mock.Anything, mock.Anything)
}

func TestRenderSnapshot(t *testing.T) {
	svc, mockStore, _, _, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetSnapshot", ctx, "r1", "s1").Return(models.Snapshot{Id: "s1", Operations: []models.Operation{brush("a")}}, nil)

	png, err := svc.RenderSnapshot(ctx, "r1", "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}
