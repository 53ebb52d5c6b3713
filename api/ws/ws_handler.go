package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/zlnvch/sketchroom/metrics"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/protocol"
	"github.com/zlnvch/sketchroom/service"
)

const (
	Subprotocol = "sketchroom-v1"

	// Upper bound for one frame's service call
	handleTimeout = 10 * time.Second
)

type Handler struct {
	Service *service.Service
	Hub     *Hub
}

func NewHandler(svc *service.Service, hub *Hub) *Handler {
	return &Handler{
		Service: svc,
		Hub:     hub,
	}
}

// NewWsUpgrader accepts any origin when requiredOrigin is empty.
func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if requiredOrigin == "" {
				return true
			}
			return r.Header.Get("Origin") == requiredOrigin
		},
		Subprotocols: []string{Subprotocol},
	}
}

// tokenFromRequest looks for the bearer token in the query string, the
// Authorization header and finally the second websocket subprotocol.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if protocols := websocket.Subprotocols(r); len(protocols) == 2 {
		return protocols[1]
	}
	return ""
}

func closeWith(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait),
	)
	conn.Close()
}

// ServeWS handles websocket requests from the peer.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	roomId := chi.URLParam(r, "roomId")
	if err := service.ValidateRoomId(roomId); err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	user, authErr := h.Service.AuthenticateToken(tokenFromRequest(r))

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade ws connection")
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		log.Debug().Err(authErr).Str("room", roomId).Msg("Rejecting unauthenticated connection")
		closeWith(conn, websocket.ClosePolicyViolation, "Unauthenticated")
		return
	}

	client := NewClient(h.Hub, conn, user, roomId, h.HandleWsMessage)

	if err := h.Hub.Join(r.Context(), client); err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			closeWith(conn, websocket.CloseTryAgainLater, "Too many connections")
		} else {
			closeWith(conn, websocket.CloseInternalServerErr, "Failed to join room")
		}
		return
	}

	log.Info().Str("room", roomId).Str("user", user.Id).Msg("Client joined")

	go client.WritePump(shutdownCtx)

	// The room channel is already subscribed, so nothing sequenced after this
	// read can be missed
	if !h.sendInit(client) {
		h.Hub.Kick(client, closeLoadFailed)
	}

	go func() {
		client.ReadPump()
		h.handleDisconnect(client)
	}()
}

func (h *Handler) sendInit(client *Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	state, err := h.Service.LoadRoom(ctx, client.roomId)
	if err != nil {
		log.Error().Err(err).Str("room", client.roomId).Msg("LoadRoom failed")
		return false
	}
	h.Hub.Reply(client, state.Init())
	return true
}

func (h *Handler) handleDisconnect(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	if err := h.Service.LeaveRoom(ctx, client.roomId, client.user, client.inCall); err != nil {
		log.Error().Err(err).Str("room", client.roomId).Str("user", client.user.Id).Msg("Failed to announce departure")
	}
	log.Info().Str("room", client.roomId).Str("user", client.user.Id).Str("tool", client.tool).Msg("Client left")
}

func (h *Handler) replyError(client *Client, message string, opId string) {
	h.Hub.Reply(client, protocol.Error{Type: protocol.TypeError, Message: message, OpId: opId})
}

// frameLabel keeps the type label of the frame counter bounded.
func frameLabel(msgType string) string {
	switch {
	case models.IsOperationKind(msgType), protocol.IsSignal(msgType):
		return msgType
	}
	switch msgType {
	case protocol.TypeCursor, protocol.TypeChat, protocol.TypeResync, protocol.TypeSaveSnapshot,
		protocol.TypeGetSnapshots, protocol.TypeRestoreSnapshot, protocol.TypeDeleteRoom:
		return msgType
	}
	return "unknown"
}

func (h *Handler) HandleWsMessage(client *Client, messageBytes []byte) {
	msgType, err := protocol.TypeOf(messageBytes)
	if err != nil {
		log.Debug().Err(err).Str("user", client.user.Id).Msg("Invalid frame")
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}
	metrics.FramesReceived.WithLabelValues(frameLabel(msgType)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	switch {
	case models.IsOperationKind(msgType):
		h.handleOperation(ctx, client, messageBytes)
		return
	case protocol.IsSignal(msgType):
		h.handleSignal(ctx, client, msgType, messageBytes)
		return
	}

	switch msgType {
	case protocol.TypeCursor:
		h.handleCursor(ctx, client, messageBytes)
	case protocol.TypeChat:
		h.handleChat(ctx, client, messageBytes)
	case protocol.TypeSaveSnapshot:
		h.handleSaveSnapshot(ctx, client, messageBytes)
	case protocol.TypeGetSnapshots:
		h.handleGetSnapshots(ctx, client)
	case protocol.TypeRestoreSnapshot:
		h.handleRestoreSnapshot(ctx, client, messageBytes)
	case protocol.TypeDeleteRoom:
		h.handleDeleteRoom(ctx, client)
	case protocol.TypeResync:
		if !h.sendInit(client) {
			h.Hub.Kick(client, closeLoadFailed)
		}
	default:
		log.Debug().Str("type", msgType).Str("user", client.user.Id).Msg("Unknown message type")
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
	}
}

func (h *Handler) handleOperation(ctx context.Context, client *Client, messageBytes []byte) {
	op, err := models.ParseOperation(messageBytes)
	if err != nil {
		// Recover the id so the author can drop its pending copy
		var ref struct {
			OpId string `json:"opId"`
		}
		json.Unmarshal(messageBytes, &ref)
		log.Debug().Err(err).Str("user", client.user.Id).Msg("Invalid operation")
		h.replyError(client, err.Error(), ref.OpId)
		return
	}

	if _, err := h.Service.ApplyOperation(ctx, client.roomId, client.user, op); err != nil {
		switch {
		case errors.Is(err, service.ErrNotRoomAdmin):
			h.replyError(client, "Only the room admin can clear the board.", op.Id)
		case errors.Is(err, service.ErrRoomNotFound):
			h.replyError(client, "Room not found.", op.Id)
		case errors.Is(err, models.ErrInvalidOperation):
			h.replyError(client, err.Error(), op.Id)
		default:
			log.Error().Err(err).Str("room", client.roomId).Str("type", string(op.Kind())).Msg("ApplyOperation failed")
			h.replyError(client, "Failed to apply operation.", op.Id)
		}
	}
}

func (h *Handler) handleCursor(ctx context.Context, client *Client, messageBytes []byte) {
	var cursor protocol.Cursor
	if err := json.Unmarshal(messageBytes, &cursor); err != nil {
		log.Debug().Err(err).Msg("Invalid cursor data")
		return
	}
	client.tool = cursor.Tool

	if err := h.Service.PublishCursor(ctx, client.roomId, client.user, cursor); err != nil {
		log.Warn().Err(err).Str("room", client.roomId).Msg("PublishCursor failed")
	}
}

func (h *Handler) handleChat(ctx context.Context, client *Client, messageBytes []byte) {
	var chat protocol.Chat
	if err := json.Unmarshal(messageBytes, &chat); err != nil {
		log.Debug().Err(err).Msg("Invalid chat data")
		return
	}

	if _, err := h.Service.SendChat(ctx, client.roomId, client.user, chat.Message); err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyMessage), errors.Is(err, service.ErrMessageTooLong):
			h.replyError(client, err.Error(), "")
		default:
			log.Error().Err(err).Str("room", client.roomId).Msg("SendChat failed")
			h.replyError(client, "Failed to send message.", "")
		}
	}
}

func (h *Handler) handleSaveSnapshot(ctx context.Context, client *Client, messageBytes []byte) {
	var save protocol.SaveSnapshot
	if err := json.Unmarshal(messageBytes, &save); err != nil {
		log.Debug().Err(err).Msg("Invalid save_snapshot data")
		h.replyError(client, "Invalid snapshot.", "")
		return
	}

	if _, err := h.Service.SaveSnapshot(ctx, client.roomId, client.user, save.Snapshot); err != nil {
		if errors.Is(err, models.ErrInvalidOperation) {
			h.replyError(client, err.Error(), "")
			return
		}
		log.Error().Err(err).Str("room", client.roomId).Msg("SaveSnapshot failed")
		h.replyError(client, "Failed to save snapshot.", "")
	}
}

func (h *Handler) handleGetSnapshots(ctx context.Context, client *Client) {
	snapshots, err := h.Service.ListSnapshots(ctx, client.roomId)
	if err != nil {
		log.Error().Err(err).Str("room", client.roomId).Msg("ListSnapshots failed")
		h.replyError(client, "Failed to load snapshots.", "")
		return
	}
	h.Hub.Reply(client, protocol.SnapshotsHistory{Type: protocol.TypeSnapshotsHistory, Snapshots: snapshots})
}

func (h *Handler) handleRestoreSnapshot(ctx context.Context, client *Client, messageBytes []byte) {
	var restore protocol.RestoreSnapshot
	if err := json.Unmarshal(messageBytes, &restore); err != nil || restore.SnapshotId == "" {
		log.Debug().Err(err).Msg("Invalid restore_snapshot data")
		h.replyError(client, "Invalid snapshot id.", "")
		return
	}

	if _, err := h.Service.RestoreSnapshot(ctx, client.roomId, client.user, restore.SnapshotId); err != nil {
		if errors.Is(err, service.ErrSnapshotNotFound) {
			h.replyError(client, "Snapshot not found.", "")
			return
		}
		log.Error().Err(err).Str("room", client.roomId).Str("snapshot", restore.SnapshotId).Msg("RestoreSnapshot failed")
		h.replyError(client, "Failed to restore snapshot.", "")
	}
}

func (h *Handler) handleDeleteRoom(ctx context.Context, client *Client) {
	err := h.Service.DeleteRoom(ctx, client.roomId, client.user)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrNotRoomAdmin):
		h.replyError(client, "Only admin can delete the room.", "")
	case errors.Is(err, service.ErrRoomNotFound):
		h.replyError(client, "Room not found.", "")
	default:
		log.Error().Err(err).Str("room", client.roomId).Msg("DeleteRoom failed")
		h.replyError(client, "Failed to delete room.", "")
	}
}

func (h *Handler) handleSignal(ctx context.Context, client *Client, msgType string, messageBytes []byte) {
	var sig protocol.Signal
	if err := json.Unmarshal(messageBytes, &sig); err != nil {
		log.Debug().Err(err).Msg("Invalid signal data")
		return
	}

	switch msgType {
	case protocol.TypeStartInvite, protocol.TypeJoin:
		client.inCall = true
	case protocol.TypeLeave:
		client.inCall = false
	}

	if err := h.Service.RelaySignal(ctx, client.roomId, client.user, sig); err != nil {
		log.Warn().Err(err).Str("room", client.roomId).Str("type", msgType).Msg("RelaySignal failed")
	}
}
