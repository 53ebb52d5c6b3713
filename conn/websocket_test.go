package conn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/sketchroom/protocol"
)

func TestCloseCause(t *testing.T) {
	plain := errors.New("read tcp: connection reset")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"policy violation", &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "Unauthenticated"}, ErrUnauthorized},
		{"room deleted", &websocket.CloseError{Code: protocol.CloseRoomDeleted, Text: "Room deleted"}, ErrRoomDeleted},
		{"abnormal closure", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, nil},
		{"network error", plain, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := closeCause(tt.err)
			if tt.want == nil {
				assert.Same(t, tt.err, got)
				assert.False(t, errors.Is(got, ErrUnauthorized))
				assert.False(t, errors.Is(got, ErrRoomDeleted))
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestWebsocketDialer_RoomDeletedClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"info","message":"Room deleted by admin."}`))
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseRoomDeleted, "Room deleted"),
			time.Now().Add(time.Second))
		ws.ReadMessage()
	}))
	defer srv.Close()

	d := &WebsocketDialer{ServerURL: "ws" + srv.URL[len("http"):]}
	tr, err := d.Dial(context.Background(), "r1", "tok")
	require.NoError(t, err)
	defer tr.Close()

	frame, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "Room deleted by admin.")

	_, err = tr.ReadMessage()
	assert.ErrorIs(t, err, ErrRoomDeleted)
	assert.False(t, errors.Is(err, ErrUnauthorized))
}
