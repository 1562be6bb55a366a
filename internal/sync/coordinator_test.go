package sync_test

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/conversation"
	"github.com/mbaer/linebox/internal/events"
	"github.com/mbaer/linebox/internal/model"
	"github.com/mbaer/linebox/internal/queue"
	"github.com/mbaer/linebox/internal/store"
	syncpkg "github.com/mbaer/linebox/internal/sync"
	"github.com/mbaer/linebox/internal/transport"
	"github.com/mbaer/linebox/tests/testutil"
)

// scriptedTransport serves canned change sets per folder and logs every
// call so tests can assert ordering. A failure can be injected to
// exercise the error paths.
type scriptedTransport struct {
	uidValidity uint32
	changes     map[string][]*transport.ChangeSet
	bodies      map[uint32]*transport.Body
	ops         []string

	mu      gosync.Mutex
	failErr error
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		uidValidity: 1,
		changes:     make(map[string][]*transport.ChangeSet),
		bodies:      make(map[uint32]*transport.Body),
	}
}

func (f *scriptedTransport) push(folder string, cs *transport.ChangeSet) {
	f.changes[folder] = append(f.changes[folder], cs)
}

func (f *scriptedTransport) setFail(err error) {
	f.mu.Lock()
	f.failErr = err
	f.mu.Unlock()
}

func (f *scriptedTransport) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failErr
}

func (f *scriptedTransport) Connect(context.Context) error { return nil }
func (f *scriptedTransport) Close() error                  { return nil }

func (f *scriptedTransport) ListFolders(context.Context) ([]transport.FolderInfo, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return []transport.FolderInfo{
		{Name: "INBOX"},
		{Name: "Sent", Attrs: []string{"\\Sent"}},
	}, nil
}

func (f *scriptedTransport) FetchChanges(_ context.Context, q transport.ChangeQuery) (*transport.ChangeSet, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.ops = append(f.ops, "fetch:"+q.Folder)

	pending := f.changes[q.Folder]
	if len(pending) == 0 {
		return &transport.ChangeSet{UIDValidity: f.uidValidity}, nil
	}
	cs := pending[0]
	f.changes[q.Folder] = pending[1:]
	return cs, nil
}

func (f *scriptedTransport) FetchBody(_ context.Context, folder string, uid uint32) (*transport.Body, error) {
	f.ops = append(f.ops, "body")
	if b, ok := f.bodies[uid]; ok {
		return b, nil
	}
	return &transport.Body{}, nil
}

func (f *scriptedTransport) AddFlags(_ context.Context, folder string, uids []uint32, flags []string) error {
	f.ops = append(f.ops, "addflags")
	return nil
}

func (f *scriptedTransport) RemoveFlags(context.Context, string, []uint32, []string) error {
	f.ops = append(f.ops, "removeflags")
	return nil
}

func (f *scriptedTransport) DeleteMessages(context.Context, string, []uint32) error {
	f.ops = append(f.ops, "delete")
	return nil
}

func (f *scriptedTransport) MoveMessages(context.Context, string, []uint32, string) error {
	f.ops = append(f.ops, "move")
	return nil
}

func envelope(uid uint32, from string, date time.Time) model.Message {
	return model.Message{
		Folder:      "INBOX",
		UID:         uid,
		FromAddress: from,
		ToAddresses: []string{"me@example.com"},
		Subject:     "subject",
		Date:        date,
	}
}

type fixture struct {
	store *store.SQLiteStore
	tr    *scriptedTransport
	queue *queue.Queue
	coord *syncpkg.Coordinator
	bus   *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := testutil.NewTestStore(t)
	tr := newScriptedTransport()
	bus := events.NewBus()
	account := model.Account{
		ID:    "acct",
		Email: "me@example.com",
	}
	mat := conversation.NewMaterializer(s, account.SelfAddresses(), zap.NewNop())
	q := queue.New(account.ID, s, tr, mat, bus, zap.NewNop())
	coord := syncpkg.NewCoordinator(account, s, tr, q, mat, bus,
		model.SyncSettings{PollIntervalSec: 3600, InitialSyncDays: 30, RetryBudget: 2},
		zap.NewNop())

	return &fixture{store: s, tr: tr, queue: q, coord: coord, bus: bus}
}

func TestSyncFolderIngestsAndMaterializes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.tr.push("INBOX", &transport.ChangeSet{
		UIDValidity: 1,
		Messages: []model.Message{
			envelope(1, "alice@example.com", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
			envelope(2, "alice@example.com", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)),
		},
	})

	require.NoError(t, fx.coord.SyncFolderNow(ctx, "INBOX"))

	count, err := fx.store.MessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	convs, err := fx.store.GetConversations(ctx, model.TabEveryone)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].MessageCount)

	cursor, err := fx.store.FolderCursor(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cursor.HighestUID)
	assert.Equal(t, uint32(1), cursor.UIDValidity)
	require.NotNil(t, cursor.LastSync)
}

func TestSyncFolderAppliesFlagsAndExpunges(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.tr.push("INBOX", &transport.ChangeSet{
		UIDValidity: 1,
		Messages: []model.Message{
			envelope(1, "alice@example.com", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
			envelope(2, "alice@example.com", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)),
		},
	})
	require.NoError(t, fx.coord.SyncFolderNow(ctx, "INBOX"))

	// Next cycle: message 1 was read elsewhere, message 2 was expunged.
	fx.tr.push("INBOX", &transport.ChangeSet{
		UIDValidity: 1,
		FlagUpdates: []transport.FlagUpdate{
			{UID: 1, Flags: []string{model.FlagSeen}},
		},
		Expunged: []uint32{2},
	})
	require.NoError(t, fx.coord.SyncFolderNow(ctx, "INBOX"))

	got, err := fx.store.GetMessage(ctx, model.MessageRef{Folder: "INBOX", UID: 1})
	require.NoError(t, err)
	assert.True(t, got.Seen())

	_, err = fx.store.GetMessage(ctx, model.MessageRef{Folder: "INBOX", UID: 2})
	assert.ErrorIs(t, err, store.ErrNotFound)

	convs, err := fx.store.GetConversations(ctx, model.TabEveryone)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].MessageCount)
	assert.Zero(t, convs[0].UnreadCount)
}

func TestUIDValidityChangeClearsFolder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.tr.push("INBOX", &transport.ChangeSet{
		UIDValidity: 1,
		Messages: []model.Message{
			envelope(5, "alice@example.com", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		},
	})
	require.NoError(t, fx.coord.SyncFolderNow(ctx, "INBOX"))

	// The server renumbered: new UIDVALIDITY, same message under a new
	// UID. The stale cache row must not survive.
	fx.tr.uidValidity = 2
	fx.tr.push("INBOX", &transport.ChangeSet{UIDValidity: 2})
	fx.tr.push("INBOX", &transport.ChangeSet{
		UIDValidity: 2,
		Messages: []model.Message{
			envelope(1, "alice@example.com", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		},
	})
	require.NoError(t, fx.coord.SyncFolderNow(ctx, "INBOX"))

	uids, err := fx.store.UIDsForFolder(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, uids)

	cursor, err := fx.store.FolderCursor(ctx, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), cursor.UIDValidity)
}

func TestQueueDrainsBeforeFetch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.tr.push("INBOX", &transport.ChangeSet{
		UIDValidity: 1,
		Messages: []model.Message{
			envelope(1, "alice@example.com", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		},
	})
	require.NoError(t, fx.coord.SyncFolderNow(ctx, "INBOX"))

	// Offline mutation queued against the cache.
	require.NoError(t, fx.queue.Enqueue(ctx, model.PendingAction{
		Kind: model.ActionAddFlags, Folder: "INBOX",
		UIDs: []uint32{1}, Flags: []string{model.FlagSeen},
	}))

	fx.tr.ops = nil
	require.NoError(t, fx.coord.SyncFolderNow(ctx, "INBOX"))

	// Local intent replays before remote state is read back.
	require.GreaterOrEqual(t, len(fx.tr.ops), 2)
	assert.Equal(t, "addflags", fx.tr.ops[0])
	assert.Equal(t, "fetch:INBOX", fx.tr.ops[1])

	has, err := fx.queue.HasPending(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestFetchBodyCaches(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.tr.push("INBOX", &transport.ChangeSet{
		UIDValidity: 1,
		Messages: []model.Message{
			envelope(1, "alice@example.com", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		},
	})
	require.NoError(t, fx.coord.SyncFolderNow(ctx, "INBOX"))

	fx.tr.bodies[1] = &transport.Body{Text: "hello body", HasAttachment: true}

	got, err := fx.coord.FetchBody(ctx, model.MessageRef{Folder: "INBOX", UID: 1})
	require.NoError(t, err)
	assert.Equal(t, "hello body", got.TextBody)
	assert.True(t, got.HasAttachment)
	assert.True(t, got.BodyCached)

	// The second read is served from the cache without transport calls.
	fx.tr.ops = nil
	got, err = fx.coord.FetchBody(ctx, model.MessageRef{Folder: "INBOX", UID: 1})
	require.NoError(t, err)
	assert.Equal(t, "hello body", got.TextBody)
	assert.Empty(t, fx.tr.ops)
}

func TestSyncCycleErrorThenRecovers(t *testing.T) {
	s := testutil.NewTestStore(t)
	tr := newScriptedTransport()
	bus := events.NewBus()
	account := model.Account{ID: "acct", Email: "me@example.com"}
	mat := conversation.NewMaterializer(s, account.SelfAddresses(), zap.NewNop())
	q := queue.New(account.ID, s, tr, mat, bus, zap.NewNop())
	coord := syncpkg.NewCoordinator(account, s, tr, q, mat, bus,
		model.SyncSettings{PollIntervalSec: 3600, InitialSyncDays: 30, RetryBudget: 1},
		zap.NewNop())

	tr.setFail(&transport.TransientError{Op: "dial", Err: errors.New("connection refused")})

	coord.Start()
	defer coord.Stop()

	require.Eventually(t, func() bool {
		return coord.Status().State == model.SyncError
	}, 5*time.Second, 10*time.Millisecond)

	status := coord.Status()
	assert.NotEmpty(t, status.Error)
	assert.False(t, status.IsOnline)

	// The transport heals; the next trigger must clear the error.
	tr.setFail(nil)
	coord.TriggerSync()

	require.Eventually(t, func() bool {
		return coord.Status().State == model.SyncOnline
	}, 5*time.Second, 10*time.Millisecond)

	status = coord.Status()
	assert.Empty(t, status.Error)
	assert.True(t, status.IsOnline)
	require.NotNil(t, status.LastSync)
}

func TestStatusOfflineTransition(t *testing.T) {
	fx := newFixture(t)

	status := fx.coord.Status()
	assert.Equal(t, model.SyncIdle, status.State)

	fx.coord.SetOnline(false)
	status = fx.coord.Status()
	assert.Equal(t, model.SyncIdle, status.State)
	assert.False(t, status.IsOnline)
}
