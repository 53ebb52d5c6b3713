package service_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zlnvch/sketchroom/models"
	"github.com/zlnvch/sketchroom/service"
)

func TestValidateRoomId(t *testing.T) {
	tests := []struct {
		name    string
		roomId  string
		wantErr bool
	}{
		{"Simple", "design-review", false},
		{"Dots and underscores", "team_1.board", false},
		{"Empty", "", true},
		{"Space", "my room", true},
		{"Slash", "a/b", true},
		{"Braces", "a{b}", true},
		{"Too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := service.ValidateRoomId(tt.roomId)
			if tt.wantErr {
				assert.ErrorIs(t, err, service.ErrInvalidRoomId)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateChatMessage(t *testing.T) {
	text, err := service.ValidateChatMessage("  hi there ")
	assert.NoError(t, err)
	assert.Equal(t, "hi there", text)

	_, err = service.ValidateChatMessage("\t\n")
	assert.ErrorIs(t, err, service.ErrEmptyMessage)

	_, err = service.ValidateChatMessage(strings.Repeat("é", 1001))
	assert.ErrorIs(t, err, service.ErrMessageTooLong)

	_, err = service.ValidateChatMessage(strings.Repeat("é", 1000))
	assert.NoError(t, err)
}

func TestValidateSnapshot(t *testing.T) {
	assert.NoError(t, service.ValidateSnapshot(nil))
	assert.NoError(t, service.ValidateSnapshot([]models.Operation{brush("a")}))

	badColor := models.Operation{Shape: models.Box{FromX: 0, FromY: 0, ToX: 1, ToY: 1, Color: "red", Thickness: 2}}
	assert.ErrorIs(t, service.ValidateSnapshot([]models.Operation{badColor}), models.ErrInvalidOperation)

	assert.ErrorIs(t, service.ValidateSnapshot([]models.Operation{{Shape: models.Undo{}}}), models.ErrInvalidOperation)
}
