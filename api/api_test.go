package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/sketchroom/cache"
	cachemocks "github.com/zlnvch/sketchroom/cache/mocks"
	"github.com/zlnvch/sketchroom/models"
	mqmocks "github.com/zlnvch/sketchroom/mq/mocks"
	"github.com/zlnvch/sketchroom/service"
	"github.com/zlnvch/sketchroom/store"
	storemocks "github.com/zlnvch/sketchroom/store/mocks"
)

var secret = []byte("secret")

func setupRouter(t *testing.T) (http.Handler, *storemocks.MockStore, *cachemocks.MockCache) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	sketchroomAPI, err := NewSketchroomAPI(mockStore, mockMQ, mockCache, secret,
		service.Limits{MaxHistory: 500, MaxSnapshots: 50, ChatHistory: 100},
	)
	require.NoError(t, err)

	return sketchroomAPI.NewRouter("", context.Background()), mockStore, mockCache
}

func authorized(t *testing.T, method string, path string) *http.Request {
	token, err := service.SignToken(secret, models.User{Id: "u-1", Username: "alice"}, service.DefaultTokenTTL)
	require.NoError(t, err)
	r := httptest.NewRequest(method, path, nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func serve(router http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

var stroke = models.Operation{Id: "a", Shape: models.Stroke{FromX: 1, FromY: 2, ToX: 30, ToY: 40, Color: "#ff0000", Thickness: 4}}

func TestHealth(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "sketchroom_connected_clients")
}

func TestRoomRoutesRequireToken(t *testing.T) {
	router, mockStore, _ := setupRouter(t)

	for _, path := range []string{"/rooms/r1/snapshots", "/rooms/r1/snapshots/s1/image", "/rooms/r1/canvas.png"} {
		w := serve(router, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	mockStore.AssertNotCalled(t, "ListSnapshots", mock.Anything, mock.Anything, mock.Anything)
}

func TestListSnapshots(t *testing.T) {
	router, mockStore, _ := setupRouter(t)

	mockStore.On("ListSnapshots", mock.Anything, "r1", 50).Return([]models.Snapshot{
		{Id: "s2", RoomId: "r1", SavedBy: "alice", Created: 2},
		{Id: "s1", RoomId: "r1", SavedBy: "bob", Created: 1},
	}, nil)

	w := serve(router, authorized(t, http.MethodGet, "/rooms/r1/snapshots"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp snapshotsBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "r1", resp.RoomId)
	require.Len(t, resp.Snapshots, 2)
	assert.Equal(t, "s2", resp.Snapshots[0].Id)
}

type snapshotsBody struct {
	RoomId    string            `json:"roomId"`
	Snapshots []models.Snapshot `json:"snapshots"`
}

func TestListSnapshots_InvalidRoomId(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := serve(router, authorized(t, http.MethodGet, "/rooms/bad%7Broom/snapshots"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshotImage_RendersOnceThenServesFromCache(t *testing.T) {
	router, mockStore, _ := setupRouter(t)

	mockStore.On("GetSnapshot", mock.Anything, "r1", "s1").
		Return(models.Snapshot{Id: "s1", RoomId: "r1", Operations: []models.Operation{stroke}}, nil).Once()

	first := serve(router, authorized(t, http.MethodGet, "/rooms/r1/snapshots/s1/image"))
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "image/png", first.Header().Get("Content-Type"))
	assert.Equal(t, []byte("\x89PNG"), first.Body.Bytes()[:4])

	second := serve(router, authorized(t, http.MethodGet, "/rooms/r1/snapshots/s1/image"))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	mockStore.AssertNumberOfCalls(t, "GetSnapshot", 1)
}

func TestSnapshotImage_NotFound(t *testing.T) {
	router, mockStore, _ := setupRouter(t)

	mockStore.On("GetSnapshot", mock.Anything, "r1", "missing").Return(models.Snapshot{}, store.ErrItemNotFound)

	w := serve(router, authorized(t, http.MethodGet, "/rooms/r1/snapshots/missing/image"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCanvasImage_RendersLiveLog(t *testing.T) {
	router, _, mockCache := setupRouter(t)

	data, err := json.Marshal(stroke)
	require.NoError(t, err)
	mockCache.On("IsRoomComplete", mock.Anything, "r1").Return(true, nil)
	mockCache.On("GetOperations", mock.Anything, "r1").Return(int64(1), []cache.CachedOp{{Seq: 1, Data: data}}, nil)

	w := serve(router, authorized(t, http.MethodGet, "/rooms/r1/canvas.png"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, []byte("\x89PNG"), w.Body.Bytes()[:4])
}
