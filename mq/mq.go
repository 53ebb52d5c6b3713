package mq

import (
	"context"
	"encoding/json"
)

type MessageQueue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, visibilityTimeout int32) (*Message, error)
	Delete(ctx context.Context, msg *Message) error
}

type Message struct {
	Id   string
	Body string
	// ReceiveCount is how many times the queue has handed this message out,
	// including this one. Zero when the queue does not report it.
	ReceiveCount int
}

// SendJSON encodes v and sends it as one message.
func SendJSON(ctx context.Context, queue MessageQueue, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return queue.Send(ctx, string(body))
}
