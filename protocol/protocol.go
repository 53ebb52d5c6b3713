// Package protocol defines the JSON frames exchanged over a room channel.
// Every frame is one object with a "type" discriminator; drawing operations
// use the flat encoding of models.Operation.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/zlnvch/sketchroom/models"
)

const (
	TypeCursor   = "cursor"
	TypeUserLeft = "user_left"
	TypeInit     = "init"
	TypeResync   = "resync"
	TypeError    = "error"
	TypeInfo     = "info"
	TypeChat     = "chat"

	TypeSaveSnapshot     = "save_snapshot"
	TypeGetSnapshots     = "get_snapshots"
	TypeSnapshotsHistory = "snapshots_history"
	TypeRestoreSnapshot  = "restore_snapshot"
	TypeSnapshotRestored = "snapshot_restored"

	TypeDeleteRoom = "delete_room"

	TypeStartInvite = "webrtc-start-invite"
	TypeJoin        = "webrtc-join"
	TypeOffer       = "webrtc-offer"
	TypeAnswer      = "webrtc-answer"
	TypeCandidate   = "webrtc-candidate"
	TypeLeave       = "webrtc-leave"
)

// CloseRoomDeleted is the websocket close code sent to every session of a
// room that an admin deleted. Credential rejections keep using 1008.
const CloseRoomDeleted = 4004

var ErrMissingType = errors.New("frame has no type")

type envelope struct {
	Type string `json:"type"`
}

// TypeOf extracts the discriminator of a raw frame.
func TypeOf(frame []byte) (string, error) {
	var e envelope
	if err := json.Unmarshal(frame, &e); err != nil {
		return "", err
	}
	if e.Type == "" {
		return "", ErrMissingType
	}
	return e.Type, nil
}

// IsSignal reports whether t belongs to the call signaling family.
func IsSignal(t string) bool {
	switch t {
	case TypeStartInvite, TypeJoin, TypeOffer, TypeAnswer, TypeCandidate, TypeLeave:
		return true
	}
	return false
}

type Cursor struct {
	Type   string  `json:"type"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	UserId string  `json:"userId"`
	Name   string  `json:"name"`
	Tool   string  `json:"tool"`
}

type UserLeft struct {
	Type     string `json:"type"`
	UserId   string `json:"userId"`
	Username string `json:"username"`
}

type Init struct {
	Type    string               `json:"type"`
	History []models.Operation   `json:"history"`
	Seq     int64                `json:"seq"`
	Chat    []models.ChatMessage `json:"chat"`
}

// Resync asks the gateway for a fresh init.
type Resync struct {
	Type string `json:"type"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	OpId    string `json:"opId,omitempty"`
}

type Info struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Chat struct {
	Type string `json:"type"`
	models.ChatMessage
}

type SaveSnapshot struct {
	Type     string             `json:"type"`
	Snapshot []models.Operation `json:"snapshot"`
	Username string             `json:"username,omitempty"`
}

type GetSnapshots struct {
	Type string `json:"type"`
}

type SnapshotsHistory struct {
	Type      string            `json:"type"`
	Snapshots []models.Snapshot `json:"snapshots"`
}

type RestoreSnapshot struct {
	Type       string `json:"type"`
	SnapshotId string `json:"snapshot_id"`
	Username   string `json:"username,omitempty"`
}

type SnapshotRestored struct {
	Type         string             `json:"type"`
	Seq          int64              `json:"seq"`
	SnapshotId   string             `json:"snapshot_id"`
	SnapshotData []models.Operation `json:"snapshot_data"`
	RestoredBy   string             `json:"restored_by"`
}

type DeleteRoom struct {
	Type string `json:"type"`
}

// Signal carries every call signaling frame. Offer, Answer and Candidate are
// relayed verbatim and never inspected by the gateway.
type Signal struct {
	Type      string          `json:"type"`
	RoomId    string          `json:"roomId,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Inviter   string          `json:"inviter,omitempty"`
	Username  string          `json:"username,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Sender returns the peer that originated the signal. Join frames name the
// joiner in username and invites in inviter.
func (s Signal) Sender() string {
	switch {
	case s.From != "":
		return s.From
	case s.Username != "":
		return s.Username
	}
	return s.Inviter
}
