package skills_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/model"
	"github.com/mbaer/linebox/internal/skills"
	"github.com/mbaer/linebox/tests/testutil"
)

func TestRevisionHash(t *testing.T) {
	a := skills.RevisionHash("find receipts", "mistral:latest", 0.1)
	assert.Len(t, a, 16)

	// Stable for identical inputs.
	assert.Equal(t, a, skills.RevisionHash("find receipts", "mistral:latest", 0.1))

	// Any classification-affecting field changes the revision.
	assert.NotEqual(t, a, skills.RevisionHash("find invoices", "mistral:latest", 0.1))
	assert.NotEqual(t, a, skills.RevisionHash("find receipts", "llama3", 0.1))
	assert.NotEqual(t, a, skills.RevisionHash("find receipts", "mistral:latest", 0.7))
}

// fakeClassifier answers yes when the message subject mentions
// "receipt". It keys on the Subject line rather than the whole prompt,
// which always contains the skill criterion.
func fakeClassifier(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)

		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
			Stream bool   `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		answer := "no"
		for _, line := range strings.Split(req.Prompt, "\n") {
			subject, ok := strings.CutPrefix(line, "Subject: ")
			if ok && strings.Contains(strings.ToLower(subject), "receipt") {
				answer = "Yes"
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"response": answer})
	}))
}

func TestClassify(t *testing.T) {
	srv := fakeClassifier(t)
	defer srv.Close()

	s := testutil.NewTestStore(t)
	gw := skills.NewGateway(srv.URL, "mistral:latest", s, zap.NewNop())

	sk := model.Skill{ID: "sk1", Prompt: "is this a receipt?"}

	matched, err := gw.Classify(context.Background(), sk, model.Message{
		Folder: "INBOX", UID: 1,
		Subject: "Your receipt from the store",
		Date:    time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestRunSkillPersistsVerdicts(t *testing.T) {
	srv := fakeClassifier(t)
	defer srv.Close()

	s := testutil.NewTestStore(t)
	ctx := context.Background()

	for uid, subject := range map[uint32]string{
		1: "Your receipt is attached",
		2: "Lunch on friday?",
	} {
		require.NoError(t, s.UpsertMessage(ctx, model.Message{
			Folder: "INBOX", UID: uid,
			FromAddress: "shop@example.com",
			Subject:     subject,
			Date:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		}))
	}

	sk := model.Skill{
		ID: "sk1", Name: "Receipts", Enabled: true,
		Prompt:       "is this a receipt?",
		RevisionHash: skills.RevisionHash("is this a receipt?", "mistral:latest", 0),
	}
	require.NoError(t, s.SaveSkill(ctx, sk))

	gw := skills.NewGateway(srv.URL, "mistral:latest", s, zap.NewNop())

	classified, err := gw.RunSkill(ctx, sk, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, classified)

	matched, err := s.MessagesForSkill(ctx, "sk1")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, uint32(1), matched[0].UID)

	// A second run has nothing left to classify at this revision.
	classified, err = gw.RunSkill(ctx, sk, 10)
	require.NoError(t, err)
	assert.Zero(t, classified)
}

func TestSkillCandidatesReopenOnRevisionChange(t *testing.T) {
	srv := fakeClassifier(t)
	defer srv.Close()

	s := testutil.NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertMessage(ctx, model.Message{
		Folder: "INBOX", UID: 1,
		Subject: "Your receipt",
		Date:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}))

	sk := model.Skill{ID: "sk1", Enabled: true, Prompt: "receipts", RevisionHash: "rev-a"}
	require.NoError(t, s.SaveSkill(ctx, sk))

	gw := skills.NewGateway(srv.URL, "mistral:latest", s, zap.NewNop())
	_, err := gw.RunSkill(ctx, sk, 10)
	require.NoError(t, err)

	// Editing the skill bumps the revision and re-opens the message.
	sk.RevisionHash = "rev-b"
	require.NoError(t, s.SaveSkill(ctx, sk))

	candidates, err := s.SkillCandidates(ctx, sk, 10)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}
