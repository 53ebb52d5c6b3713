package service

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/zlnvch/sketchroom/models"
)

var roomIdRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

const (
	maxChatLength     = 1000
	maxSnapshotLength = 10000
)

var (
	ErrInvalidRoomId  = errors.New("invalid room id")
	ErrEmptyMessage   = errors.New("chat message is empty")
	ErrMessageTooLong = errors.New("chat message too long")
)

func ValidateRoomId(roomId string) error {
	if !roomIdRegex.MatchString(roomId) {
		return ErrInvalidRoomId
	}
	return nil
}

// ValidateChatMessage returns the trimmed message text.
func ValidateChatMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > maxChatLength {
		return "", ErrMessageTooLong
	}
	return text, nil
}

// ValidateSnapshot checks a snapshot's operations. Snapshots hold the visible
// drawing, so clear and undo entries are rejected.
func ValidateSnapshot(ops []models.Operation) error {
	if len(ops) > maxSnapshotLength {
		return fmt.Errorf("%w: snapshot too large", models.ErrInvalidOperation)
	}
	for i, op := range ops {
		switch op.Shape.(type) {
		case models.Clear, models.Undo:
			return fmt.Errorf("%w: %s at %d in snapshot", models.ErrInvalidOperation, op.Kind(), i)
		}
		if err := op.Validate(); err != nil {
			return fmt.Errorf("snapshot entry %d: %w", i, err)
		}
	}
	return nil
}
