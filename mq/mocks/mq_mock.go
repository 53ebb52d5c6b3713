package mocks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/sketchroom/mq"
)

// MockMQ records sent bodies through the embedded mock; DecodeSent reads them back.
type MockMQ struct {
	mock.Mock
}

func (m *MockMQ) Send(ctx context.Context, body string) error {
	args := m.Called(ctx, body)
	return args.Error(0)
}

func (m *MockMQ) Receive(ctx context.Context, visibilityTimeout int32) (*mq.Message, error) {
	args := m.Called(ctx, visibilityTimeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mq.Message), args.Error(1)
}

func (m *MockMQ) Delete(ctx context.Context, msg *mq.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// DecodeSent unmarshals the body of the i-th Send call into v.
func (m *MockMQ) DecodeSent(i int, v any) error {
	var bodies []string
	for _, c := range m.Calls {
		if c.Method == "Send" {
			bodies = append(bodies, c.Arguments.String(1))
		}
	}
	if i >= len(bodies) {
		return fmt.Errorf("only %d messages sent", len(bodies))
	}
	return json.Unmarshal([]byte(bodies[i]), v)
}
