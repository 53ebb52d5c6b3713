// Package client is the headless room participant. A Session owns one room
// channel and routes its frames to the canvas, presence and call components.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/call"
	"github.com/zlnvch/sketchroom/canvas"
	"github.com/zlnvch/sketchroom/captions"
	"github.com/zlnvch/sketchroom/conn"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/presence"
	"github.com/zlnvch/sketchroom/protocol"
	"go.uber.org/multierr"
)

const restorePrompt = "Restoring this snapshot will replace the current canvas. Continue?"

var (
	ErrNotConfirmed = errors.New("restore not confirmed")
	ErrNoIdentity   = errors.New("token carries no user id")
)

type Options struct {
	ServerURL string
	RoomId    string
	Token     string
	// UserId and Username default to the token's sub and name claims.
	UserId   string
	Username string

	Dialer      conn.Dialer
	Clock       clock.Clock
	PeerFactory call.PeerFactory
	Media       call.MediaSource
	Captions    captions.Source

	// Confirm is asked before destructive actions. Without it they are refused.
	Confirm  func(prompt string) bool
	OnNotice func(message string)
	OnChat   func(models.ChatMessage)
	OnState  func(conn.State)
}

type Session struct {
	opts Options

	conn     *conn.Conn
	canvas   *canvas.Engine
	presence *presence.Tracker
	throttle *presence.Throttle
	relay    *call.Relay
	captions *captions.Log

	mu   sync.Mutex
	tool string
	chat []models.ChatMessage
}

func New(opts Options) (*Session, error) {
	if opts.UserId == "" || opts.Username == "" {
		sub, name := claimsFromToken(opts.Token)
		if opts.UserId == "" {
			opts.UserId = sub
		}
		if opts.Username == "" {
			opts.Username = name
		}
	}
	if opts.UserId == "" && opts.Token != "" {
		return nil, ErrNoIdentity
	}
	if opts.Dialer == nil {
		opts.Dialer = &conn.WebsocketDialer{ServerURL: opts.ServerURL}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	s := &Session{opts: opts, tool: string(models.KindBrush)}

	engine, err := canvas.NewEngine(canvas.Options{
		UserId:    opts.UserId,
		Broadcast: s.broadcastOperation,
		OnResync: func() {
			s.send(protocol.Resync{Type: protocol.TypeResync})
		},
	})
	if err != nil {
		return nil, err
	}
	s.canvas = engine

	s.presence = presence.NewTracker(opts.UserId)
	s.throttle = presence.NewThrottle(opts.Clock, presence.DefaultInterval, s.sendCursor)

	if opts.PeerFactory != nil {
		s.relay = call.NewRelay(call.Options{
			Self:     opts.UserId,
			Username: opts.Username,
			RoomId:   opts.RoomId,
			Factory:  opts.PeerFactory,
			Media:    opts.Media,
			Send:     func(sig protocol.Signal) { s.send(sig) },
			OnNotice: s.notice,
			OnInvite: func(inv call.Invitation) {
				s.notice(fmt.Sprintf("%s started a call.", inv.Inviter))
			},
		})
	}

	if opts.Captions != nil {
		s.captions = captions.NewLog(opts.Captions, captions.DefaultMaxCaptions)
	}

	s.conn = conn.New(opts.Dialer, conn.Options{
		RoomId:        opts.RoomId,
		Token:         opts.Token,
		Clock:         opts.Clock,
		OnMessage:     s.handleFrame,
		OnStateChange: s.onState,
		OnDrop:        s.onDrop,
	})

	return s, nil
}

// claimsFromToken reads identity from the token without verifying it. The
// gateway verifies; the client only needs to know who it is.
func claimsFromToken(token string) (string, string) {
	if token == "" {
		return "", ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		log.Warn().Err(err).Msg("Could not read token claims")
		return "", ""
	}
	sub, _ := claims["sub"].(string)
	name, _ := claims["name"].(string)
	return sub, name
}

func (s *Session) Connect()          { s.conn.Connect() }
func (s *Session) ManualReconnect()  { s.conn.ManualReconnect() }
func (s *Session) State() conn.State { return s.conn.State() }

func (s *Session) UserId() string   { return s.opts.UserId }
func (s *Session) Username() string { return s.opts.Username }

func (s *Session) Canvas() *canvas.Engine      { return s.canvas }
func (s *Session) Presence() *presence.Tracker { return s.presence }

// Relay is nil when the session was built without a peer factory.
func (s *Session) Relay() *call.Relay { return s.relay }

// Captions is nil when the session was built without a caption source.
func (s *Session) Captions() *captions.Log { return s.captions }

func (s *Session) Chat() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatMessage(nil), s.chat...)
}

func (s *Session) Tool() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tool
}

// Draw applies a single brush, eraser, shape or text operation. Operations
// that start inside another user's cursor box are refused.
func (s *Session) Draw(op models.Operation) (models.Operation, error) {
	if x, y, ok := op.Origin(); ok && s.presence.IsConflict(x, y) {
		s.notice("Another user is drawing here.")
		return models.Operation{}, presence.ErrConflict
	}
	return s.canvas.ApplyLocal(op)
}

func (s *Session) Undo() (models.Operation, error)  { return s.canvas.Undo() }
func (s *Session) Clear() (models.Operation, error) { return s.canvas.Clear() }

// StrokeBuilder emits consecutive segments of one freehand stroke.
type StrokeBuilder struct {
	s         *Session
	eraser    bool
	color     string
	thickness float64
	x, y      float64
}

// BeginStroke checks the start point for conflicts once. Later segments of
// the same stroke are not checked.
func (s *Session) BeginStroke(x, y float64, color string, thickness float64, eraser bool) (*StrokeBuilder, error) {
	if s.presence.IsConflict(x, y) {
		s.notice("Another user is drawing here.")
		return nil, presence.ErrConflict
	}
	return &StrokeBuilder{s: s, eraser: eraser, color: color, thickness: thickness, x: x, y: y}, nil
}

func (b *StrokeBuilder) LineTo(x, y float64) (models.Operation, error) {
	op, err := b.s.canvas.ApplyLocal(models.Operation{Shape: models.Stroke{
		Eraser: b.eraser,
		FromX:  b.x, FromY: b.y, ToX: x, ToY: y,
		Color: b.color, Thickness: b.thickness,
	}})
	if err != nil {
		return models.Operation{}, err
	}
	b.x, b.y = x, y
	return op, nil
}

// MoveCursor reports the local pointer. Updates are throttled.
func (s *Session) MoveCursor(x, y float64) {
	s.throttle.Move(presence.Position{X: x, Y: y, Tool: s.Tool()})
}

func (s *Session) SetTool(tool string) {
	s.mu.Lock()
	s.tool = tool
	s.mu.Unlock()
}

func (s *Session) sendCursor(p presence.Position) {
	s.send(protocol.Cursor{
		Type:   protocol.TypeCursor,
		X:      p.X,
		Y:      p.Y,
		UserId: s.opts.UserId,
		Name:   s.opts.Username,
		Tool:   p.Tool,
	})
}

func (s *Session) SendChat(message string) {
	s.send(protocol.Chat{
		Type: protocol.TypeChat,
		ChatMessage: models.ChatMessage{
			RoomId:   s.opts.RoomId,
			Username: s.opts.Username,
			Message:  message,
		},
	})
}

// SaveSnapshot sends the visible log to be stored. It does not wait for the
// gateway.
func (s *Session) SaveSnapshot() {
	s.send(protocol.SaveSnapshot{
		Type:     protocol.TypeSaveSnapshot,
		Snapshot: s.canvas.Log(),
		Username: s.opts.Username,
	})
}

func (s *Session) RequestSnapshots() {
	s.send(protocol.GetSnapshots{Type: protocol.TypeGetSnapshots})
}

// RestoreSnapshot asks the gateway to replace the room's canvas. The canvas
// changes only when snapshot_restored arrives.
func (s *Session) RestoreSnapshot(snapshotId string) error {
	if s.opts.Confirm == nil || !s.opts.Confirm(restorePrompt) {
		return ErrNotConfirmed
	}
	s.send(protocol.RestoreSnapshot{
		Type:       protocol.TypeRestoreSnapshot,
		SnapshotId: snapshotId,
		Username:   s.opts.Username,
	})
	return nil
}

func (s *Session) DeleteRoom() {
	s.send(protocol.DeleteRoom{Type: protocol.TypeDeleteRoom})
}

func (s *Session) broadcastOperation(op models.Operation) {
	s.send(op)
}

func (s *Session) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode outbound frame")
		return
	}
	s.conn.Send(data)
}

func (s *Session) notice(msg string) {
	if s.opts.OnNotice != nil {
		s.opts.OnNotice(msg)
	}
}

func (s *Session) onState(state conn.State) {
	log.Debug().Str("room", s.opts.RoomId).Str("state", string(state)).Msg("Connection state")
	if state == conn.StateRoomDeleted {
		s.notice("This room was deleted.")
	}
	if s.opts.OnState != nil {
		s.opts.OnState(state)
	}
}

// onDrop un-renders local operations the queue gave up on.
func (s *Session) onDrop(payload []byte) {
	var head struct {
		Type string `json:"type"`
		OpId string `json:"opId"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return
	}
	if models.IsOperationKind(head.Type) && head.OpId != "" {
		s.canvas.Reject(head.OpId)
	}
}

func (s *Session) handleFrame(frame []byte) {
	t, err := protocol.TypeOf(frame)
	if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed frame")
		return
	}

	if err := s.dispatch(t, frame); err != nil {
		log.Warn().Err(err).Str("type", t).Msg("Dropping frame")
	}
}

func (s *Session) dispatch(t string, frame []byte) error {
	if models.IsOperationKind(t) {
		op, err := models.ParseOperation(frame)
		if err != nil {
			return err
		}
		s.canvas.ApplyRemote(op)
		return nil
	}

	if protocol.IsSignal(t) {
		if s.relay == nil {
			return nil
		}
		var sig protocol.Signal
		if err := json.Unmarshal(frame, &sig); err != nil {
			return err
		}
		return s.relay.Handle(sig)
	}

	switch t {
	case protocol.TypeInit:
		var msg protocol.Init
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		s.canvas.Init(msg.History, msg.Seq)
		s.mu.Lock()
		s.chat = append([]models.ChatMessage(nil), msg.Chat...)
		s.mu.Unlock()
		log.Info().Str("room", s.opts.RoomId).Int("ops", len(msg.History)).Int64("seq", msg.Seq).Msg("Room state received")

	case protocol.TypeCursor:
		var msg protocol.Cursor
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		s.presence.Update(presence.Cursor{UserId: msg.UserId, Name: msg.Name, X: msg.X, Y: msg.Y, Tool: msg.Tool})

	case protocol.TypeUserLeft:
		var msg protocol.UserLeft
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		s.presence.Remove(msg.UserId)
		if s.relay != nil {
			s.relay.RemovePeer(msg.UserId)
		}

	case protocol.TypeChat:
		var msg protocol.Chat
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		s.mu.Lock()
		s.chat = append(s.chat, msg.ChatMessage)
		s.mu.Unlock()
		if s.opts.OnChat != nil {
			s.opts.OnChat(msg.ChatMessage)
		}

	case protocol.TypeSnapshotsHistory:
		var msg protocol.SnapshotsHistory
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		s.canvas.SetSnapshots(msg.Snapshots)

	case protocol.TypeSnapshotRestored:
		var msg protocol.SnapshotRestored
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		s.canvas.Restore(msg.SnapshotData, msg.Seq)
		s.notice(fmt.Sprintf("Snapshot restored by %s.", msg.RestoredBy))

	case protocol.TypeError:
		var msg protocol.Error
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		if msg.OpId != "" {
			s.canvas.Reject(msg.OpId)
		}
		s.notice(msg.Message)

	case protocol.TypeInfo:
		var msg protocol.Info
		if err := json.Unmarshal(frame, &msg); err != nil {
			return err
		}
		s.notice(msg.Message)

	default:
		log.Debug().Str("type", t).Msg("Ignoring frame")
	}
	return nil
}

// StartCall, AcceptCall and LeaveCall require a peer factory.
func (s *Session) StartCall() error {
	if s.relay == nil {
		return call.ErrMediaUnavailable
	}
	return s.relay.StartInvite()
}

func (s *Session) AcceptCall() error {
	if s.relay == nil {
		return call.ErrMediaUnavailable
	}
	return s.relay.AcceptInvite()
}

func (s *Session) LeaveCall() error {
	if s.relay == nil {
		return nil
	}
	return s.relay.Leave()
}

// ToggleCaptions starts or stops the caption source.
func (s *Session) ToggleCaptions(ctx context.Context) (bool, error) {
	if s.captions == nil {
		return false, nil
	}
	return s.captions.Toggle(ctx)
}

// Close leaves any call, stops timers and closes the channel. Queued
// outbound frames are discarded.
func (s *Session) Close() error {
	s.throttle.Stop()

	var err error
	if s.relay != nil {
		err = multierr.Append(err, s.relay.Leave())
	}
	if s.captions != nil && s.captions.Listening() {
		_, cerr := s.captions.Toggle(context.Background())
		err = multierr.Append(err, cerr)
	}
	return multierr.Append(err, s.conn.Close())
}
