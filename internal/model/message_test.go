package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbaer/linebox/internal/model"
)

func TestHasFlag(t *testing.T) {
	flags := []string{model.FlagSeen, "\\Flagged"}

	assert.True(t, model.HasFlag(flags, "\\Seen"))
	assert.True(t, model.HasFlag(flags, "\\SEEN"))
	assert.True(t, model.HasFlag(flags, "Seen"))
	assert.False(t, model.HasFlag(flags, model.FlagDeleted))
}

func TestAddFlagsDeduplicates(t *testing.T) {
	got := model.AddFlags([]string{model.FlagSeen}, []string{"\\seen", model.FlagFlagged})
	assert.Equal(t, []string{model.FlagSeen, model.FlagFlagged}, got)
}

func TestRemoveFlags(t *testing.T) {
	got := model.RemoveFlags(
		[]string{model.FlagSeen, model.FlagFlagged},
		[]string{"\\flagged"},
	)
	assert.Equal(t, []string{model.FlagSeen}, got)
}

func TestMessageSeen(t *testing.T) {
	m := model.Message{Flags: []string{model.FlagSeen}}
	assert.True(t, m.Seen())

	m.Flags = model.RemoveFlags(m.Flags, []string{model.FlagSeen})
	assert.False(t, m.Seen())
}
