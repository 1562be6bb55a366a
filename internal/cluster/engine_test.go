package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/cluster"
	"github.com/mbaer/linebox/internal/model"
	"github.com/mbaer/linebox/internal/store"
	"github.com/mbaer/linebox/tests/testutil"
)

func seedDomainMessages(t *testing.T, s *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	msgs := []model.Message{
		{Folder: "INBOX", UID: 1, FromAddress: "news@shop.com", ConversationID: "c1",
			Date: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{Folder: "INBOX", UID: 2, FromAddress: "sales@shop.com", ConversationID: "c1",
			Date: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{Folder: "INBOX", UID: 3, FromAddress: "info@store.net", ConversationID: "c2",
			Date: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
	}
	for _, m := range msgs {
		require.NoError(t, s.UpsertMessage(ctx, m))
	}
	for _, conv := range []model.Conversation{
		{ID: "c1", ParticipantKey: "k1"},
		{ID: "c2", ParticipantKey: "k2"},
	} {
		require.NoError(t, s.EnsureConversation(ctx, conv))
	}
	require.NoError(t, s.LinkMessageToConversation(ctx, "c1", model.MessageRef{Folder: "INBOX", UID: 1}))
	require.NoError(t, s.LinkMessageToConversation(ctx, "c1", model.MessageRef{Folder: "INBOX", UID: 2}))
	require.NoError(t, s.LinkMessageToConversation(ctx, "c2", model.MessageRef{Folder: "INBOX", UID: 3}))
	require.NoError(t, s.RefreshConversation(ctx, "c1"))
	require.NoError(t, s.RefreshConversation(ctx, "c2"))
}

func clusterByID(clusters []model.Cluster, id string) *model.Cluster {
	for i := range clusters {
		if clusters[i].ID == id {
			return &clusters[i]
		}
	}
	return nil
}

func TestListClustersPerDomain(t *testing.T) {
	s := testutil.NewTestStore(t)
	seedDomainMessages(t, s)
	e := cluster.NewEngine(s, zap.NewNop())

	clusters, err := e.ListClusters(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	shop := clusterByID(clusters, "shop.com")
	require.NotNil(t, shop)
	assert.Equal(t, 2, shop.MessageCount)
	assert.Equal(t, 1, shop.ThreadCount)
	assert.False(t, shop.IsJoin)
	assert.NotEmpty(t, shop.Color)
	assert.Equal(t, "S", shop.Icon)

	storeNet := clusterByID(clusters, "store.net")
	require.NotNil(t, storeNet)
	assert.Equal(t, 1, storeNet.MessageCount)
}

func TestGroupAndUngroupRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	seedDomainMessages(t, s)
	e := cluster.NewEngine(s, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, e.GroupDomains(ctx, "Shopping", []string{"shop.com", "store.net"}))

	clusters, err := e.ListClusters(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	merged := clusters[0]
	assert.Equal(t, "Shopping", merged.ID)
	assert.True(t, merged.IsJoin)
	assert.Equal(t, 3, merged.MessageCount)
	assert.Equal(t, 2, merged.ThreadCount)
	assert.ElementsMatch(t, []string{"shop.com", "store.net"}, merged.Domains)

	require.NoError(t, e.UngroupDomains(ctx, "Shopping"))

	clusters, err = e.ListClusters(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	shop := clusterByID(clusters, "shop.com")
	require.NotNil(t, shop)
	assert.Equal(t, 2, shop.MessageCount)
	assert.Equal(t, 1, shop.ThreadCount)
}

func TestGroupValidation(t *testing.T) {
	s := testutil.NewTestStore(t)
	e := cluster.NewEngine(s, zap.NewNop())
	ctx := context.Background()

	assert.Error(t, e.GroupDomains(ctx, "", []string{"a.com", "b.com"}))
	assert.Error(t, e.GroupDomains(ctx, "One", []string{"a.com"}))
}

func TestClusterMessagesAndThreads(t *testing.T) {
	s := testutil.NewTestStore(t)
	seedDomainMessages(t, s)
	e := cluster.NewEngine(s, zap.NewNop())
	ctx := context.Background()

	msgs, err := e.Messages(ctx, "shop.com")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	threads, err := e.Threads(ctx, "shop.com")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "c1", threads[0].ID)

	require.NoError(t, e.GroupDomains(ctx, "Shopping", []string{"shop.com", "store.net"}))
	msgs, err = e.Messages(ctx, "Shopping")
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestSkillClusterListed(t *testing.T) {
	s := testutil.NewTestStore(t)
	seedDomainMessages(t, s)
	e := cluster.NewEngine(s, zap.NewNop())
	ctx := context.Background()

	sk := model.Skill{
		ID: "skill-1", Name: "Receipts", Enabled: true,
		Icon: "R", IconBG: "#123456", RevisionHash: "rev-a",
	}
	require.NoError(t, s.SaveSkill(ctx, sk))
	require.NoError(t, s.SaveSkillVerdict(ctx, "skill-1",
		model.MessageRef{Folder: "INBOX", UID: 1}, true, "rev-a"))

	clusters, err := e.ListClusters(ctx)
	require.NoError(t, err)

	skillCluster := clusterByID(clusters, "skill-1")
	require.NotNil(t, skillCluster)
	assert.True(t, skillCluster.IsSkill)
	assert.Equal(t, "Receipts", skillCluster.DisplayName)
	assert.Equal(t, 1, skillCluster.MessageCount)

	// Skill clusters cannot be merged into domain groups.
	assert.Error(t, e.GroupDomains(ctx, "Mix", []string{"skill-1", "shop.com"}))
}
