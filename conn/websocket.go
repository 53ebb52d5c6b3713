package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zlnvch/sketchroom/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// WebsocketDialer opens room channels at {ServerURL}/ws/{roomId}.
type WebsocketDialer struct {
	ServerURL string
	Dialer    *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context, roomId string, token string) (Transport, error) {
	u, err := url.Parse(strings.TrimRight(d.ServerURL, "/") + "/ws/" + url.PathEscape(roomId))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", u, ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	t := &wsTransport{ws: ws, done: make(chan struct{})}
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go t.pingLoop()

	return t, nil
}

type wsTransport struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.ws.ReadMessage()
	if err != nil {
		return nil, closeCause(err)
	}
	return data, nil
}

// closeCause maps the close codes the server uses for terminal endings onto
// the errors Conn acts on.
func closeCause(err error) error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return err
	}
	switch ce.Code {
	case websocket.ClosePolicyViolation:
		return fmt.Errorf("%s: %w", ce.Text, ErrUnauthorized)
	case protocol.CloseRoomDeleted:
		return fmt.Errorf("%s: %w", ce.Text, ErrRoomDeleted)
	}
	return err
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		t.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		t.mu.Unlock()
		err = t.ws.Close()
	})
	return err
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := t.ws.WriteMessage(websocket.PingMessage, nil)
			t.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
