package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbaer/linebox/internal/model"
	"github.com/mbaer/linebox/tests/testutil"
)

func TestSkillCandidatesOnlyKnownSendersNormalizes(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	// Outgoing mail recorded the recipient; the stored form is normalized.
	require.NoError(t, s.UpsertKnownSenders(ctx, []model.Participant{
		{Email: "John.Doe@googlemail.com", Name: "John"},
	}))

	// The same sender writes back under a dotted gmail alias.
	require.NoError(t, s.UpsertMessage(ctx, model.Message{
		Folder: "INBOX", UID: 1,
		FromAddress: "john.doe+receipts@gmail.com",
		Subject:     "your receipt",
		Date:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, s.UpsertMessage(ctx, model.Message{
		Folder: "INBOX", UID: 2,
		FromAddress: "stranger@example.com",
		Subject:     "hello",
		Date:        time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}))

	sk := model.Skill{
		ID: "sk1", Name: "Receipts", Enabled: true,
		Prompt:       "is this a receipt?",
		RevisionHash: "rev-a",
		Modifiers:    model.SkillModifiers{OnlyKnownSenders: true},
	}
	require.NoError(t, s.SaveSkill(ctx, sk))

	candidates, err := s.SkillCandidates(ctx, sk, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, uint32(1), candidates[0].UID)
}

func TestSkillCandidatesKnownSendersLimit(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertKnownSenders(ctx, []model.Participant{
		{Email: "alice@example.com"},
	}))

	for uid := uint32(1); uid <= 4; uid++ {
		from := "alice@example.com"
		if uid%2 == 0 {
			from = "stranger@example.com"
		}
		require.NoError(t, s.UpsertMessage(ctx, model.Message{
			Folder: "INBOX", UID: uid,
			FromAddress: from,
			Subject:     "hi",
			Date:        time.Date(2026, 3, int(uid), 0, 0, 0, 0, time.UTC),
		}))
	}

	sk := model.Skill{
		ID: "sk1", Enabled: true, Prompt: "anything", RevisionHash: "rev-a",
		Modifiers: model.SkillModifiers{OnlyKnownSenders: true},
	}
	require.NoError(t, s.SaveSkill(ctx, sk))

	// The limit applies after the known-senders filter, so known senders
	// are never crowded out by filtered rows.
	candidates, err := s.SkillCandidates(ctx, sk, 1)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "alice@example.com", candidates[0].FromAddress)
}
