package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	cachemocks "github.com/zlnvch/sketchroom/cache/mocks"
	"github.com/zlnvch/sketchroom/mq"
	mqmocks "github.com/zlnvch/sketchroom/mq/mocks"
	storemocks "github.com/zlnvch/sketchroom/store/mocks"
)

// runOnce delivers msg to a consumer and stops it on the next receive.
func runOnce(t *testing.T, msg *mq.Message, setup func(*storemocks.MockStore, *cachemocks.MockCache)) *mqmocks.MockMQ {
	queue := new(mqmocks.MockMQ)
	roomStore := new(storemocks.MockStore)
	roomCache := new(cachemocks.MockCache)

	queue.On("Receive", mock.Anything, int32(visibilityTimeout)).Return(msg, nil).Once()
	queue.On("Receive", mock.Anything, int32(visibilityTimeout)).Return(nil, context.Canceled)
	queue.On("Delete", mock.Anything, msg).Return(nil)
	setup(roomStore, roomCache)

	NewMQConsumer(queue, roomStore, roomCache).Run(context.Background())

	roomStore.AssertExpectations(t)
	roomCache.AssertExpectations(t)
	return queue
}

func TestMQConsumer_DeleteAll(t *testing.T) {
	msg := &mq.Message{Id: "m1", Body: `{"roomId":"r1","deleteAll":true}`, ReceiveCount: 1}
	queue := runOnce(t, msg, func(s *storemocks.MockStore, c *cachemocks.MockCache) {
		s.On("DeleteRoomData", mock.Anything, "r1").Return(nil)
		c.On("InvalidateRoom", mock.Anything, "r1").Return(nil)
	})
	queue.AssertCalled(t, "Delete", mock.Anything, msg)
}

func TestMQConsumer_DeleteBeforeCutoff(t *testing.T) {
	msg := &mq.Message{Id: "m1", Body: `{"roomId":"r1","before":42}`, ReceiveCount: 1}
	queue := runOnce(t, msg, func(s *storemocks.MockStore, c *cachemocks.MockCache) {
		s.On("DeleteOperationsBefore", mock.Anything, "r1", int64(42)).Return(nil)
	})
	queue.AssertCalled(t, "Delete", mock.Anything, msg)
}

func TestMQConsumer_FailureLeavesMessage(t *testing.T) {
	msg := &mq.Message{Id: "m1", Body: `{"roomId":"r1","before":42}`, ReceiveCount: 1}
	queue := runOnce(t, msg, func(s *storemocks.MockStore, c *cachemocks.MockCache) {
		s.On("DeleteOperationsBefore", mock.Anything, "r1", int64(42)).Return(errors.New("throttled"))
	})
	queue.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestMQConsumer_GivesUpAfterMaxReceives(t *testing.T) {
	msg := &mq.Message{Id: "m1", Body: `{"roomId":"r1","before":42}`, ReceiveCount: maxReceives}
	queue := runOnce(t, msg, func(s *storemocks.MockStore, c *cachemocks.MockCache) {
		s.On("DeleteOperationsBefore", mock.Anything, "r1", int64(42)).Return(errors.New("throttled"))
	})
	queue.AssertCalled(t, "Delete", mock.Anything, msg)
}

func TestMQConsumer_MalformedDropped(t *testing.T) {
	msg := &mq.Message{Id: "m1", Body: `not json`, ReceiveCount: 1}
	queue := runOnce(t, msg, func(*storemocks.MockStore, *cachemocks.MockCache) {})
	queue.AssertCalled(t, "Delete", mock.Anything, msg)
}
