package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/conversation"
	"github.com/mbaer/linebox/internal/events"
	"github.com/mbaer/linebox/internal/model"
	"github.com/mbaer/linebox/internal/queue"
	"github.com/mbaer/linebox/internal/store"
	"github.com/mbaer/linebox/internal/transport"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 5 * time.Minute
	syncTimeout    = 10 * time.Minute
)

// Coordinator drives synchronization for one account. It owns the single
// writer path into the account's cache: poll ticks, manual triggers and
// queue drains all funnel through its run loop, so cache writes never
// race.
//
// State machine: idle -> initial_sync -> online, then online <-> syncing
// per cycle. Transport failures back off with doubling delays; once the
// retry budget is spent the state is error until the next trigger.
type Coordinator struct {
	account   model.Account
	store     store.Store
	transport transport.Transport
	queue     *queue.Queue
	mat       *conversation.Materializer
	bus       *events.Bus
	logger    *zap.Logger
	settings  model.SyncSettings

	mu         gosync.Mutex
	status     model.SyncStatus
	online     bool
	running    bool
	sentFolder string

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewCoordinator assembles a coordinator for one account.
func NewCoordinator(
	account model.Account,
	st store.Store,
	tr transport.Transport,
	q *queue.Queue,
	mat *conversation.Materializer,
	bus *events.Bus,
	settings model.SyncSettings,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		account:   account,
		store:     st,
		transport: tr,
		queue:     q,
		mat:       mat,
		bus:       bus,
		logger:    logger.With(zap.String("account", account.ID)),
		settings:  settings,
		status: model.SyncStatus{
			AccountID: account.ID,
			State:     model.SyncIdle,
		},
		online:    true,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the background run loop. Calling Start twice is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.run()
}

// Stop halts the run loop and waits for the in-flight cycle to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh
	_ = c.transport.Close()
}

// Status returns a snapshot of the current sync status.
func (c *Coordinator) Status() model.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// TriggerSync requests an immediate sync cycle without blocking. A cycle
// already pending absorbs the trigger.
func (c *Coordinator) TriggerSync() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

// SetOnline flips the desired connectivity. Going online triggers an
// immediate cycle, which drains the action queue before fetching.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	if !online {
		c.status.State = model.SyncIdle
		c.status.IsOnline = false
		c.status.Error = ""
	}
	status := c.status
	c.mu.Unlock()

	if !online {
		c.bus.Publish(events.StatusChanged{Status: status})
		return
	}
	if !was {
		c.TriggerSync()
	}
}

func (c *Coordinator) isOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Coordinator) run() {
	defer close(c.doneCh)

	interval := time.Duration(c.settings.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.syncCycle()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.syncCycle()
		case <-c.triggerCh:
			c.syncCycle()
		}
	}
}

// syncCycle runs one full sync with bounded retries. Transient failures
// back off with doubled delays until the retry budget is exhausted.
func (c *Coordinator) syncCycle() {
	if !c.isOnline() {
		return
	}

	budget := c.settings.RetryBudget
	if budget <= 0 {
		budget = 6
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		err := c.syncOnce(ctx)
		cancel()

		if err == nil {
			c.finishCycle()
			return
		}

		if transport.IsAuthError(err) {
			c.failCycle(err, "authentication failed; update credentials")
			return
		}
		if store.IsStorageError(err) {
			c.failCycle(err, "local cache failure")
			return
		}
		if !c.isOnline() {
			return
		}
		if attempt+1 >= budget {
			c.failCycle(err, "connection failed; will retry on next poll")
			return
		}

		c.logger.Warn("sync attempt failed, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Coordinator) finishCycle() {
	now := time.Now()
	pending := c.pendingCount()

	c.mu.Lock()
	c.status.State = model.SyncOnline
	c.status.IsOnline = true
	c.status.LastSync = &now
	c.status.Error = ""
	c.status.CurrentFolder = ""
	c.status.Progress = nil
	c.status.PendingActions = pending
	status := c.status
	c.mu.Unlock()

	c.bus.Publish(events.StatusChanged{Status: status})
	c.bus.Publish(events.SyncComplete{AccountID: c.account.ID})
}

func (c *Coordinator) failCycle(err error, hint string) {
	c.logger.Error("sync failed", zap.String("hint", hint), zap.Error(err))

	c.mu.Lock()
	c.status.State = model.SyncError
	c.status.IsOnline = false
	c.status.Error = err.Error()
	c.status.CurrentFolder = ""
	c.status.Progress = nil
	status := c.status
	c.mu.Unlock()

	c.bus.Publish(events.StatusChanged{Status: status})
	c.bus.Publish(events.SyncFailed{AccountID: c.account.ID, Message: err.Error()})
}

func (c *Coordinator) pendingCount() int {
	actions, err := c.store.PendingActions(context.Background())
	if err != nil {
		return 0
	}
	return len(actions)
}

// syncOnce performs one full pass: drain the action queue, then sync
// every folder. Queued actions replay before fetching so local intent
// wins before remote state is read back.
func (c *Coordinator) syncOnce(ctx context.Context) error {
	folders, err := c.resolveFolders(ctx)
	if err != nil {
		return err
	}

	initial, err := c.isInitialSync(ctx, folders)
	if err != nil {
		return err
	}

	state := model.SyncSyncing
	if initial {
		state = model.SyncInitialSync
	}
	c.setState(state, "")

	if _, err := c.queue.Drain(ctx); err != nil {
		return err
	}

	for i, folder := range folders {
		c.setState(state, folder)
		if initial {
			c.setProgress(&model.SyncProgress{
				Phase:   "backfill",
				Current: i + 1,
				Total:   len(folders),
				Message: folder,
			})
		}
		if err := c.syncFolder(ctx, folder); err != nil {
			return err
		}
	}

	return nil
}

// isInitialSync reports whether no folder has ever completed a sync.
func (c *Coordinator) isInitialSync(ctx context.Context, folders []string) (bool, error) {
	for _, folder := range folders {
		cursor, err := c.store.FolderCursor(ctx, folder)
		if err != nil {
			return false, err
		}
		if cursor.LastSync != nil {
			return false, nil
		}
	}
	return true, nil
}

// resolveFolders returns the folders to sync: the configured list, or
// INBOX plus the detected Sent folder. The Sent folder is remembered for
// known-sender harvesting either way.
func (c *Coordinator) resolveFolders(ctx context.Context) ([]string, error) {
	infos, err := c.transport.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	sent := detectSentFolder(infos)
	c.mu.Lock()
	c.sentFolder = sent
	c.mu.Unlock()

	if len(c.account.Folders) > 0 {
		return c.account.Folders, nil
	}

	folders := []string{"INBOX"}
	if sent != "" {
		folders = append(folders, sent)
	}
	return folders, nil
}

// detectSentFolder finds the folder flagged \Sent, falling back to
// common names.
func detectSentFolder(infos []transport.FolderInfo) string {
	for _, info := range infos {
		for _, attr := range info.Attrs {
			if attr == "\\Sent" {
				return info.Name
			}
		}
	}
	for _, candidate := range []string{"Sent", "Sent Messages", "[Gmail]/Sent Mail", "INBOX.Sent"} {
		for _, info := range infos {
			if info.Name == candidate {
				return info.Name
			}
		}
	}
	return ""
}

// syncFolder reconciles one folder: new envelopes above the cursor, flag
// resync over known UIDs, and expunge detection. A UIDVALIDITY change
// clears the folder cache and restarts it as an initial backfill.
func (c *Coordinator) syncFolder(ctx context.Context, folder string) error {
	cursor, err := c.store.FolderCursor(ctx, folder)
	if err != nil {
		return err
	}

	knownUIDs, err := c.store.UIDsForFolder(ctx, folder)
	if err != nil {
		return err
	}

	q := transport.ChangeQuery{
		Folder:    folder,
		SinceUID:  cursor.HighestUID,
		KnownUIDs: knownUIDs,
		PageSize:  c.settings.FetchPageSize,
	}
	if cursor.HighestUID == 0 {
		days := c.settings.InitialSyncDays
		if days <= 0 {
			days = 365
		}
		q.Since = time.Now().AddDate(0, 0, -days)
	}

	cs, err := c.transport.FetchChanges(ctx, q)
	if err != nil {
		return err
	}

	if cursor.UIDValidity != 0 && cs.UIDValidity != cursor.UIDValidity {
		c.logger.Warn("uidvalidity changed, clearing folder cache",
			zap.String("folder", folder),
			zap.Uint32("old", cursor.UIDValidity),
			zap.Uint32("new", cs.UIDValidity))

		touched, err := c.store.ClearFolder(ctx, folder)
		if err != nil {
			return err
		}
		if err := c.mat.Refresh(ctx, touched); err != nil {
			return err
		}
		return c.syncFolder(ctx, folder)
	}

	if err := c.ingestNew(ctx, folder, cs.Messages); err != nil {
		return err
	}
	if err := c.applyFlagUpdates(ctx, folder, cs.FlagUpdates); err != nil {
		return err
	}
	if err := c.applyExpunges(ctx, folder, cs.Expunged); err != nil {
		return err
	}

	highest := cursor.HighestUID
	for _, m := range cs.Messages {
		if m.UID > highest {
			highest = m.UID
		}
	}

	now := time.Now()
	return c.store.SaveFolderCursor(ctx, store.FolderCursor{
		Folder:      folder,
		UIDValidity: cs.UIDValidity,
		HighestUID:  highest,
		LastSync:    &now,
	})
}

func (c *Coordinator) ingestNew(ctx context.Context, folder string, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	for _, m := range msgs {
		if err := c.store.UpsertMessage(ctx, m); err != nil {
			return err
		}
	}

	touched, err := c.mat.ApplyBatch(ctx, msgs)
	if err != nil {
		return err
	}

	if c.isSentFolder(folder) {
		if err := c.harvestRecipients(ctx, msgs); err != nil {
			return err
		}
	}

	c.logger.Info("ingested messages",
		zap.String("folder", folder),
		zap.Int("count", len(msgs)))

	c.bus.Publish(events.NewMessages{AccountID: c.account.ID, Folder: folder, Count: len(msgs)})
	if len(touched) > 0 {
		c.bus.Publish(events.ConversationsUpdated{AccountID: c.account.ID, IDs: touched})
	}
	return nil
}

func (c *Coordinator) applyFlagUpdates(ctx context.Context, folder string, updates []transport.FlagUpdate) error {
	var changedUIDs []uint32
	touched := make(map[string]bool)

	for _, u := range updates {
		ref := model.MessageRef{Folder: folder, UID: u.UID}
		existing, err := c.store.GetMessage(ctx, ref)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		if flagsEqual(existing.Flags, u.Flags) {
			continue
		}
		if err := c.store.UpdateFlags(ctx, ref, u.Flags); err != nil {
			return err
		}
		changedUIDs = append(changedUIDs, u.UID)
		if existing.ConversationID != "" {
			touched[existing.ConversationID] = true
		}
	}

	if len(changedUIDs) == 0 {
		return nil
	}

	ids := keysOf(touched)
	if err := c.mat.Refresh(ctx, ids); err != nil {
		return err
	}

	c.bus.Publish(events.FlagsChanged{AccountID: c.account.ID, Folder: folder, UIDs: changedUIDs})
	if len(ids) > 0 {
		c.bus.Publish(events.ConversationsUpdated{AccountID: c.account.ID, IDs: ids})
	}
	return nil
}

func (c *Coordinator) applyExpunges(ctx context.Context, folder string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	touched, err := c.store.DeleteMessages(ctx, folder, uids)
	if err != nil {
		return err
	}
	if err := c.mat.Refresh(ctx, touched); err != nil {
		return err
	}

	c.bus.Publish(events.MessagesDeleted{AccountID: c.account.ID, Folder: folder, UIDs: uids})
	if len(touched) > 0 {
		c.bus.Publish(events.ConversationsUpdated{AccountID: c.account.ID, IDs: touched})
	}
	return nil
}

// harvestRecipients records the recipients of outgoing mail as known
// senders, which drives the connections/strangers split.
func (c *Coordinator) harvestRecipients(ctx context.Context, msgs []model.Message) error {
	self := conversation.SelfSet(c.account.SelfAddresses())

	var recipients []model.Participant
	for _, m := range msgs {
		for _, addr := range append(append([]string{}, m.ToAddresses...), m.CcAddresses...) {
			email := model.NormalizeAddress(addr)
			if email == "" || self[email] {
				continue
			}
			recipients = append(recipients, model.Participant{Email: email})
		}
	}

	return c.store.UpsertKnownSenders(ctx, recipients)
}

func (c *Coordinator) isSentFolder(folder string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentFolder != "" && folder == c.sentFolder
}

// FetchBody returns a message with its body, fetching and caching it on
// first access.
func (c *Coordinator) FetchBody(ctx context.Context, ref model.MessageRef) (*model.Message, error) {
	msg, err := c.store.GetMessage(ctx, ref)
	if err != nil {
		return nil, err
	}
	if msg.BodyCached {
		return msg, nil
	}

	body, err := c.transport.FetchBody(ctx, ref.Folder, ref.UID)
	if err != nil {
		return nil, err
	}

	msg.TextBody = body.Text
	msg.HTMLBody = body.HTML
	msg.HasAttachment = body.HasAttachment
	msg.BodyCached = true

	if err := c.store.UpsertMessage(ctx, *msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SyncFolderNow synchronously syncs a single folder. Used by callers
// that need one folder fresh without waiting for a full cycle.
func (c *Coordinator) SyncFolderNow(ctx context.Context, folder string) error {
	if _, err := c.queue.Drain(ctx); err != nil {
		return err
	}
	return c.syncFolder(ctx, folder)
}

func (c *Coordinator) setState(state model.SyncState, folder string) {
	c.mu.Lock()
	c.status.State = state
	c.status.CurrentFolder = folder
	status := c.status
	c.mu.Unlock()

	c.bus.Publish(events.StatusChanged{Status: status})
}

func (c *Coordinator) setProgress(p *model.SyncProgress) {
	c.mu.Lock()
	c.status.Progress = p
	status := c.status
	c.mu.Unlock()

	c.bus.Publish(events.StatusChanged{Status: status})
}

func flagsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, f := range a {
		if !model.HasFlag(b, f) {
			return false
		}
	}
	return true
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
