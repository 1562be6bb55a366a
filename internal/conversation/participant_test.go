package conversation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbaer/linebox/internal/conversation"
	"github.com/mbaer/linebox/internal/model"
)

func TestExtractParticipantsExcludesSelf(t *testing.T) {
	self := conversation.SelfSet([]string{"me@example.com", "Me+alias@example.com"})

	m := model.Message{
		FromAddress: "Alice@Example.com",
		FromName:    "Alice",
		ToAddresses: []string{"me@example.com", "bob@example.com"},
		CcAddresses: []string{"ALICE@example.com"},
	}

	got := conversation.ExtractParticipants(m, self)
	require.Len(t, got, 2)
	assert.Equal(t, "alice@example.com", got[0].Email)
	assert.Equal(t, "Alice", got[0].Name)
	assert.Equal(t, "bob@example.com", got[1].Email)
}

func TestParticipantKeyDeterministic(t *testing.T) {
	self := conversation.SelfSet([]string{"me@example.com"})

	a := model.Message{
		FromAddress: "alice@example.com",
		ToAddresses: []string{"me@example.com", "bob@example.com"},
	}
	b := model.Message{
		FromAddress: "bob@example.com",
		ToAddresses: []string{"alice@example.com", "me@example.com"},
	}

	keyA := conversation.ParticipantKey(conversation.ExtractParticipants(a, self))
	keyB := conversation.ParticipantKey(conversation.ExtractParticipants(b, self))

	assert.Equal(t, "alice@example.com,bob@example.com", keyA)
	assert.Equal(t, keyA, keyB)
	assert.Equal(t, conversation.ConversationID(keyA), conversation.ConversationID(keyB))
}

func TestConversationIDShape(t *testing.T) {
	id := conversation.ConversationID("alice@example.com")
	assert.Len(t, id, 16)
	assert.NotEqual(t, id, conversation.ConversationID("bob@example.com"))
	// Stable across calls.
	assert.Equal(t, id, conversation.ConversationID("alice@example.com"))
}

func TestSelfOnlyMessageHasNoParticipants(t *testing.T) {
	self := conversation.SelfSet([]string{"me@example.com"})

	m := model.Message{
		FromAddress: "me@example.com",
		ToAddresses: []string{"me+notes@example.com"},
	}
	assert.Empty(t, conversation.ExtractParticipants(m, self))
}
