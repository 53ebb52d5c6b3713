package service_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	cachemocks "github.com/zlnvch/sketchroom/cache/mocks"
	"github.com/zlnvch/sketchroom/models"
	mqmocks "github.com/zlnvch/sketchroom/mq/mocks"
	"github.com/zlnvch/sketchroom/service"
	storemocks "github.com/zlnvch/sketchroom/store/mocks"
	"github.com/zlnvch/sketchroom/worker"
)

var (
	alice = models.User{Id: "u-alice", Username: "alice"}
	bob   = models.User{Id: "u-bob", Username: "bob"}
)

// Helper to setup the service with mocks
func setupService(t *testing.T) (*service.Service, *storemocks.MockStore, *cachemocks.MockCache, *mqmocks.MockMQ, *worker.OpBatcher) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)

	// The batcher is never started; tests read what the service pushed onto its channels
	cutoffBatcher := worker.NewCutoffBatcher(mockStore, nil, 1000)
	opBatcher := worker.NewOpBatcher(mockStore, nil, 1000, cutoffBatcher)

	svc, err := service.NewService(
		mockStore,
		mockCache,
		mockMQ,
		opBatcher,
		[]byte("secret"),
		service.Limits{MaxHistory: 500, MaxSnapshots: 50, ChatHistory: 100},
	)
	require.NoError(t, err)

	return svc, mockStore, mockCache, mockMQ, opBatcher
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	call.Run(func(args mock.Arguments) {
		once.Do(func() { close(done) })
	})
	return done
}

func waitFor(t *testing.T, done chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		assert.Fail(t, "timed out waiting for "+what)
	}
}

// publishedEvents records every room event passed to a Publish expectation.
type publishedEvents struct {
	mu     sync.Mutex
	events []service.RoomEvent
}

func capturePublished(t *testing.T, call *mock.Call) *publishedEvents {
	p := &publishedEvents{}
	call.Run(func(args mock.Arguments) {
		var ev service.RoomEvent
		require.NoError(t, json.Unmarshal(args.Get(2).([]byte), &ev))
		p.mu.Lock()
		p.events = append(p.events, ev)
		p.mu.Unlock()
	})
	return p
}

func (p *publishedEvents) all() []service.RoomEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]service.RoomEvent(nil), p.events...)
}

// payloadType returns the type discriminator of an event payload.
func payloadType(t *testing.T, ev service.RoomEvent) string {
	var envelope struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &envelope))
	return envelope.Type
}

func brush(id string) models.Operation {
	return models.Operation{Id: id, Shape: models.Stroke{FromX: 1, FromY: 2, ToX: 3, ToY: 4, Color: "#000000", Thickness: 2}}
}

func mustJSON(t *testing.T, v any) []byte {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// nextRequest takes the next request the service queued for the op batcher.
func nextRequest(t *testing.T, batcher *worker.OpBatcher) worker.OpRequest {
	t.Helper()
	select {
	case req := <-batcher.RequestCh:
		return req
	default:
		require.FailNow(t, "op batcher received nothing")
		return worker.OpRequest{}
	}
}
