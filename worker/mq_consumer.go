package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/cache"
	"github.com/zlnvch/sketchroom/metrics"
	"github.com/zlnvch/sketchroom/mq"
	"github.com/zlnvch/sketchroom/store"
)

// PurgeRoomMessage asks for persisted room data to be removed. With
// DeleteAll every item of the room goes, otherwise only operations
// sequenced before Before, which a clear or restore has hidden.
type PurgeRoomMessage struct {
	RoomId    string `json:"roomId"`
	Before    int64  `json:"before,omitempty"`
	DeleteAll bool   `json:"deleteAll,omitempty"`
}

type MQConsumer struct {
	purgeQueue mq.MessageQueue
	roomStore  store.RoomStore
	roomCache  cache.RoomCache
}

func NewMQConsumer(purgeQueue mq.MessageQueue, roomStore store.RoomStore, roomCache cache.RoomCache) *MQConsumer {
	return &MQConsumer{
		purgeQueue: purgeQueue,
		roomStore:  roomStore,
		roomCache:  roomCache,
	}
}

// Allow up to 5 minutes for the throttled batch deletion of a room
const visibilityTimeout = 300

// Messages that keep failing are dropped after this many deliveries
const maxReceives = 5

var errMalformedPurge = errors.New("malformed purge message")

func (mqConsumer *MQConsumer) Run(shutdownCtx context.Context) {
	for {
		msg, err := mqConsumer.purgeQueue.Receive(shutdownCtx, visibilityTimeout)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			log.Error().Err(err).Msg("mqConsumer receive error")
			continue
		}

		if msg == nil {
			continue
		}

		err = mqConsumer.process(msg)
		switch {
		case err == nil:
			metrics.PurgeMessages.WithLabelValues("ok").Inc()
		case errors.Is(err, errMalformedPurge):
			metrics.PurgeMessages.WithLabelValues("malformed").Inc()
			log.Warn().Err(err).Str("body", msg.Body).Msg("Dropping purge message")
		case msg.ReceiveCount >= maxReceives:
			metrics.PurgeMessages.WithLabelValues("abandoned").Inc()
			log.Error().Err(err).Int("receives", msg.ReceiveCount).Msg("Giving up on purge message")
		default:
			// Left on the queue; it reappears after the visibility timeout
			metrics.PurgeMessages.WithLabelValues("retry").Inc()
			log.Error().Err(err).Msg("Room purge failed")
			continue
		}

		if err := mqConsumer.purgeQueue.Delete(context.Background(), msg); err != nil {
			log.Error().Err(err).Msg("mqConsumer delete error")
		}
	}
}

func (mqConsumer *MQConsumer) process(msg *mq.Message) error {
	var purge PurgeRoomMessage
	if err := json.Unmarshal([]byte(msg.Body), &purge); err != nil {
		return fmt.Errorf("%w: %v", errMalformedPurge, err)
	}
	if purge.RoomId == "" {
		return fmt.Errorf("%w: missing roomId", errMalformedPurge)
	}

	// timeout should be a little less than queue visibility timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(visibilityTimeout-1)*time.Second)
	defer cancel()

	if !purge.DeleteAll {
		return mqConsumer.roomStore.DeleteOperationsBefore(ctx, purge.RoomId, purge.Before)
	}

	if err := mqConsumer.roomStore.DeleteRoomData(ctx, purge.RoomId); err != nil {
		return err
	}
	// A reload in between could have repopulated the cache from dynamo
	if err := mqConsumer.roomCache.InvalidateRoom(ctx, purge.RoomId); err != nil {
		log.Warn().Err(err).Str("room", purge.RoomId).Msg("Failed to invalidate purged room")
	}
	log.Info().Str("room", purge.RoomId).Msg("Purged room data")
	return nil
}
