package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zlnvch/sketchroom/conn"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/presence"
	"github.com/zlnvch/sketchroom/protocol"
)

type pipe struct {
	mu        sync.Mutex
	written   []map[string]any
	inbound   chan []byte
	ended     chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newPipe() *pipe {
	return &pipe{inbound: make(chan []byte, 64), ended: make(chan error, 1), closed: make(chan struct{})}
}

func (p *pipe) WriteMessage(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	p.mu.Lock()
	p.written = append(p.written, m)
	p.mu.Unlock()
	return nil
}

func (p *pipe) ReadMessage() ([]byte, error) {
	select {
	case f := <-p.inbound:
		return f, nil
	case err := <-p.ended:
		return nil, err
	case <-p.closed:
		return nil, errors.New("closed")
	}
}

func (p *pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipe) Written() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.written...)
}

func (p *pipe) push(t *testing.T, v any) {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	p.inbound <- data
}

type pipeDialer struct{ p *pipe }

func (d pipeDialer) Dial(context.Context, string, string) (conn.Transport, error) {
	return d.p, nil
}

type notices struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notices) add(m string) {
	n.mu.Lock()
	n.msgs = append(n.msgs, m)
	n.mu.Unlock()
}

func (n *notices) All() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.msgs...)
}

func connectedSession(t *testing.T, opts Options) (*Session, *pipe, *notices) {
	p := newPipe()
	n := &notices{}
	opts.RoomId = "room1"
	if opts.Token == "" {
		opts.Token = "tok"
	}
	if opts.UserId == "" {
		opts.UserId = "alice"
		opts.Username = "Alice"
	}
	opts.Dialer = pipeDialer{p}
	if opts.Clock == nil {
		opts.Clock = clock.NewMock()
	}
	opts.OnNotice = n.add

	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	s.Connect()
	require.Eventually(t, func() bool { return s.State() == conn.StateConnected }, time.Second, 5*time.Millisecond)

	p.push(t, protocol.Init{Type: protocol.TypeInit, Seq: 0})
	require.Eventually(t, func() bool { return s.Canvas().Ready() }, time.Second, 5*time.Millisecond)
	return s, p, n
}

func brushAt(x, y float64) models.Operation {
	return models.Operation{Shape: models.Stroke{FromX: x, FromY: y, ToX: x + 10, ToY: y + 10, Color: "#000", Thickness: 3}}
}

func TestNew_ReadsIdentityFromToken(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u-1", "name": "Dana"}).SignedString([]byte("k"))
	require.NoError(t, err)

	s, err := New(Options{RoomId: "room1", Token: token, Dialer: pipeDialer{newPipe()}, Clock: clock.NewMock()})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "u-1", s.UserId())
	assert.Equal(t, "Dana", s.Username())
}

func TestDraw_SendsAndConfirms(t *testing.T) {
	s, p, _ := connectedSession(t, Options{})

	op, err := s.Draw(brushAt(10, 10))
	require.NoError(t, err)

	written := p.Written()
	require.Len(t, written, 1)
	assert.Equal(t, "brush", written[0]["type"])
	assert.Equal(t, op.Id, written[0]["opId"])
	assert.Equal(t, 1, s.Canvas().Pending())

	echo := op
	echo.Seq = 1
	p.push(t, echo)

	require.Eventually(t, func() bool { return s.Canvas().Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, s.Canvas().Log(), 1)
}

func TestRemoteBrushAppears(t *testing.T) {
	s, p, _ := connectedSession(t, Options{})

	remote := brushAt(300, 300)
	remote.Id = "b-1"
	remote.UserId = "bob"
	remote.Seq = 1
	p.push(t, remote)

	require.Eventually(t, func() bool { return len(s.Canvas().Log()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", s.Canvas().Log()[0].UserId)
	assert.Empty(t, p.Written())
}

func TestDraw_RefusedInsideConflictBox(t *testing.T) {
	s, p, n := connectedSession(t, Options{})

	p.push(t, protocol.Cursor{Type: protocol.TypeCursor, UserId: "bob", Name: "Bob", X: 100, Y: 100})
	require.Eventually(t, func() bool { return len(s.Presence().Peers()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.Draw(brushAt(120, 120))
	assert.ErrorIs(t, err, presence.ErrConflict)
	_, err = s.BeginStroke(100, 144, "#000", 2, false)
	assert.ErrorIs(t, err, presence.ErrConflict)

	assert.Empty(t, p.Written())
	assert.Empty(t, s.Canvas().Log())
	assert.Len(t, n.All(), 2)

	// Exactly at the radius is allowed
	_, err = s.Draw(brushAt(145, 100))
	assert.NoError(t, err)
}

func TestStroke_OnlyStartIsChecked(t *testing.T) {
	s, p, _ := connectedSession(t, Options{})
	p.push(t, protocol.Cursor{Type: protocol.TypeCursor, UserId: "bob", X: 200, Y: 200})
	require.Eventually(t, func() bool { return len(s.Presence().Peers()) == 1 }, time.Second, 5*time.Millisecond)

	stroke, err := s.BeginStroke(100, 100, "#f00", 4, false)
	require.NoError(t, err)
	_, err = stroke.LineTo(150, 150)
	require.NoError(t, err)
	_, err = stroke.LineTo(200, 200)
	require.NoError(t, err)

	log := s.Canvas().Log()
	require.Len(t, log, 2)
	second := log[1].Shape.(models.Stroke)
	assert.Equal(t, 150.0, second.FromX)
	assert.Equal(t, 200.0, second.ToX)
}

func TestUserLeft_RemovesPresence(t *testing.T) {
	s, p, _ := connectedSession(t, Options{})
	p.push(t, protocol.Cursor{Type: protocol.TypeCursor, UserId: "bob", X: 10, Y: 10})
	require.Eventually(t, func() bool { return len(s.Presence().Peers()) == 1 }, time.Second, 5*time.Millisecond)

	p.push(t, protocol.UserLeft{Type: protocol.TypeUserLeft, UserId: "bob", Username: "Bob"})

	require.Eventually(t, func() bool { return len(s.Presence().Peers()) == 0 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Presence().IsConflict(10, 10))
}

func TestErrorFrame_RejectsPendingOp(t *testing.T) {
	s, p, n := connectedSession(t, Options{})

	op, err := s.Clear()
	require.NoError(t, err)
	_, err = s.Draw(brushAt(500, 500))
	require.NoError(t, err)

	p.push(t, protocol.Error{Type: protocol.TypeError, Message: "Only the room admin can clear the board.", OpId: op.Id})

	require.Eventually(t, func() bool { return s.Canvas().Pending() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, s.Canvas().Log(), 1)
	assert.Contains(t, n.All(), "Only the room admin can clear the board.")
}

func TestRestoreSnapshot_RequiresConfirmation(t *testing.T) {
	s, p, _ := connectedSession(t, Options{})

	assert.ErrorIs(t, s.RestoreSnapshot("snap-1"), ErrNotConfirmed)
	assert.Empty(t, p.Written())
}

func TestRestoreSnapshot_Confirmed(t *testing.T) {
	var prompts []string
	s, p, n := connectedSession(t, Options{Confirm: func(prompt string) bool {
		prompts = append(prompts, prompt)
		return true
	}})

	require.NoError(t, s.RestoreSnapshot("snap-1"))
	require.Len(t, prompts, 1)
	written := p.Written()
	require.Len(t, written, 1)
	assert.Equal(t, "restore_snapshot", written[0]["type"])
	assert.Equal(t, "snap-1", written[0]["snapshot_id"])

	restored := brushAt(5, 5)
	restored.Id = "r-1"
	p.push(t, protocol.SnapshotRestored{
		Type:         protocol.TypeSnapshotRestored,
		Seq:          1,
		SnapshotId:   "snap-1",
		SnapshotData: []models.Operation{restored},
		RestoredBy:   "Bob",
	})

	require.Eventually(t, func() bool { return len(s.Canvas().Log()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, n.All(), "Snapshot restored by Bob.")
}

func TestSaveSnapshot_SendsVisibleLog(t *testing.T) {
	s, p, _ := connectedSession(t, Options{})
	_, err := s.Draw(brushAt(10, 10))
	require.NoError(t, err)

	s.SaveSnapshot()

	written := p.Written()
	require.Len(t, written, 2)
	assert.Equal(t, "save_snapshot", written[1]["type"])
	assert.Len(t, written[1]["snapshot"], 1)
}

func TestChat(t *testing.T) {
	var got []models.ChatMessage
	var mu sync.Mutex
	s, p, _ := connectedSession(t, Options{OnChat: func(m models.ChatMessage) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}})

	s.SendChat("hi all")
	written := p.Written()
	require.Len(t, written, 1)
	assert.Equal(t, "chat", written[0]["type"])
	assert.Equal(t, "hi all", written[0]["message"])

	p.push(t, protocol.Chat{Type: protocol.TypeChat, ChatMessage: models.ChatMessage{Username: "Bob", Message: "hey"}})
	require.Eventually(t, func() bool { return len(s.Chat()) == 1 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hey", got[0].Message)
}

func TestCursor_Throttled(t *testing.T) {
	clk := clock.NewMock()
	s, p, _ := connectedSession(t, Options{Clock: clk})
	s.SetTool("rectangle")

	s.MoveCursor(1, 1)
	s.MoveCursor(2, 2)
	s.MoveCursor(3, 3)
	require.Len(t, p.Written(), 1)

	clk.Add(presence.DefaultInterval)
	require.Eventually(t, func() bool { return len(p.Written()) == 2 }, time.Second, 5*time.Millisecond)

	last := p.Written()[1]
	assert.Equal(t, "cursor", last["type"])
	assert.Equal(t, 3.0, last["x"])
	assert.Equal(t, "rectangle", last["tool"])
}

func TestMalformedFramesIgnored(t *testing.T) {
	s, p, _ := connectedSession(t, Options{})

	p.inbound <- []byte(`not json`)
	p.inbound <- []byte(`{"no":"type"}`)
	p.inbound <- []byte(`{"type":"brush","opId":"x"}`)
	good := brushAt(1, 1)
	good.Id = "ok"
	good.Seq = 1
	p.push(t, good)

	require.Eventually(t, func() bool { return len(s.Canvas().Log()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ok", s.Canvas().Log()[0].Id)
}

func TestRoomDeleted_NoticeAndNoReconnect(t *testing.T) {
	clk := clock.NewMock()
	s, p, n := connectedSession(t, Options{Clock: clk})

	p.push(t, protocol.Info{Type: protocol.TypeInfo, Message: "Room deleted by admin."})
	require.Eventually(t, func() bool { return len(n.All()) == 1 }, time.Second, 5*time.Millisecond)
	p.ended <- fmt.Errorf("Room deleted: %w", conn.ErrRoomDeleted)

	require.Eventually(t, func() bool { return s.State() == conn.StateRoomDeleted }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Room deleted by admin.", "This room was deleted."}, n.All())

	clk.Add(time.Minute)
	assert.Equal(t, conn.StateRoomDeleted, s.State())
}
