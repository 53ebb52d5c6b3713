package service

import (
	"errors"

	"github.com/zlnvch/sketchroom/cache"
	"github.com/zlnvch/sketchroom/mq"
	"github.com/zlnvch/sketchroom/store"
	"github.com/zlnvch/sketchroom/worker"
)

// Limits bounds what a room keeps around.
type Limits struct {
	MaxHistory   int
	MaxSnapshots int
	ChatHistory  int
}

type Service struct {
	Store     store.RoomStore
	Cache     cache.RoomCache
	MQ        mq.MessageQueue
	OpBatcher *worker.OpBatcher
	JWTSecret []byte
	Limits    Limits
}

func NewService(
	store store.RoomStore,
	cache cache.RoomCache,
	mq mq.MessageQueue,
	opBatcher *worker.OpBatcher,
	jwtSecret []byte,
	limits Limits,
) (*Service, error) {
	if len(jwtSecret) == 0 {
		return nil, errors.New("jwt secret is empty")
	}
	if limits.MaxHistory <= 0 || limits.MaxSnapshots <= 0 || limits.ChatHistory <= 0 {
		return nil, errors.New("room limits must be positive")
	}

	return &Service{
		Store:     store,
		Cache:     cache,
		MQ:        mq,
		OpBatcher: opBatcher,
		JWTSecret: jwtSecret,
		Limits:    limits,
	}, nil
}
