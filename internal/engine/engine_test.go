package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/engine"
	"github.com/mbaer/linebox/internal/events"
	"github.com/mbaer/linebox/internal/model"
)

func TestSetAccountOnline(t *testing.T) {
	cfg := &model.AppConfig{
		DataDir: t.TempDir(),
		Sync:    model.SyncSettings{PollIntervalSec: 3600, InitialSyncDays: 30, RetryBudget: 1},
	}
	bus := events.NewBus()
	eng := engine.New(cfg, bus, zap.NewNop())
	defer eng.Close()

	// Nothing listens on port 1, so the first cycle fails fast.
	account := model.Account{
		ID: "acct", Email: "me@example.com",
		IMAPHost: "127.0.0.1", IMAPPort: 1, TLS: true,
	}
	require.NoError(t, eng.InitAccount(account, "password"))

	require.Error(t, eng.SetAccountOnline("unknown", false))

	require.Eventually(t, func() bool {
		st, err := eng.SyncStatus("acct")
		return err == nil && st.State == model.SyncError
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.SetAccountOnline("acct", false))

	status, err := eng.SyncStatus("acct")
	require.NoError(t, err)
	assert.False(t, status.IsOnline)
	assert.Equal(t, model.SyncIdle, status.State)
	assert.Empty(t, status.Error)
}
