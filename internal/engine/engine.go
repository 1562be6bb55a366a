package engine

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/cluster"
	"github.com/mbaer/linebox/internal/events"
	"github.com/mbaer/linebox/internal/model"
	"github.com/mbaer/linebox/internal/skills"
	"github.com/mbaer/linebox/internal/sync"
)

// Engine is the local-first sync engine facade. The UI layer above it
// only ever reads the cache and enqueues actions; all remote traffic
// happens behind the per-account coordinators.
type Engine struct {
	cfg     *model.AppConfig
	manager *sync.Manager
	bus     *events.Bus
	logger  *zap.Logger

	mu       gosync.Mutex
	clusters map[string]*cluster.Engine
	gateways map[string]*skills.Gateway
}

// New creates an engine from loaded configuration. Accounts still need
// InitAccount with their credentials before they sync.
func New(cfg *model.AppConfig, bus *events.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		manager:  sync.NewManager(cfg.DataDir, cfg.Sync, bus, logger),
		bus:      bus,
		logger:   logger,
		clusters: make(map[string]*cluster.Engine),
		gateways: make(map[string]*skills.Gateway),
	}
}

// Bus returns the event bus for subscribers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// InitAccount opens the account's cache, starts its coordinator and
// wires its cluster view and skill gateway.
func (e *Engine) InitAccount(account model.Account, password string) error {
	sess, err := e.manager.InitAccount(account, password)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.clusters[account.ID] = cluster.NewEngine(sess.Store, e.logger)
	if e.cfg.Classifier.Enabled {
		e.gateways[account.ID] = skills.NewGateway(
			e.cfg.Classifier.URL, e.cfg.Classifier.Model, sess.Store, e.logger)
	}
	return nil
}

// RemoveAccount stops the account and deletes its local cache.
func (e *Engine) RemoveAccount(accountID string) error {
	e.mu.Lock()
	delete(e.clusters, accountID)
	delete(e.gateways, accountID)
	e.mu.Unlock()

	return e.manager.Remove(accountID)
}

func (e *Engine) session(accountID string) (*sync.Session, error) {
	sess := e.manager.Session(accountID)
	if sess == nil {
		return nil, fmt.Errorf("unknown account %q", accountID)
	}
	return sess, nil
}

func (e *Engine) clusterEngine(accountID string) (*cluster.Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ce, ok := e.clusters[accountID]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", accountID)
	}
	return ce, nil
}

// === Sync control ===

// SyncStatus returns the current status of one account.
func (e *Engine) SyncStatus(accountID string) (model.SyncStatus, error) {
	sess, err := e.session(accountID)
	if err != nil {
		return model.SyncStatus{}, err
	}
	return sess.Coordinator.Status(), nil
}

// TriggerSync requests an immediate full sync cycle for one account.
func (e *Engine) TriggerSync(accountID string) error {
	sess, err := e.session(accountID)
	if err != nil {
		return err
	}
	sess.Coordinator.TriggerSync()
	return nil
}

// SyncFolder synchronously refreshes a single folder.
func (e *Engine) SyncFolder(ctx context.Context, accountID, folder string) error {
	sess, err := e.session(accountID)
	if err != nil {
		return err
	}
	return sess.Coordinator.SyncFolderNow(ctx, folder)
}

// SetOnline flips the desired connectivity for every account. Going
// online drains each account's queue before its next fetch.
func (e *Engine) SetOnline(online bool) {
	for _, sess := range e.manager.Sessions() {
		sess.Coordinator.SetOnline(online)
	}
}

// SetAccountOnline flips the desired connectivity for one account.
func (e *Engine) SetAccountOnline(accountID string, online bool) error {
	sess, err := e.session(accountID)
	if err != nil {
		return err
	}
	sess.Coordinator.SetOnline(online)
	return nil
}

// === Cached reads ===

// Conversations returns the cached conversation list for a tab.
func (e *Engine) Conversations(ctx context.Context, accountID string, tab model.Tab) ([]model.Conversation, error) {
	sess, err := e.session(accountID)
	if err != nil {
		return nil, err
	}
	return sess.Store.GetConversations(ctx, tab)
}

// ConversationMessages returns the cached members of a conversation in
// chronological order.
func (e *Engine) ConversationMessages(ctx context.Context, accountID, convID string) ([]model.Message, error) {
	sess, err := e.session(accountID)
	if err != nil {
		return nil, err
	}
	return sess.Store.GetConversationMessages(ctx, convID)
}

// FetchMessageBody returns a message with its body, loading it from the
// remote on first access and caching it.
func (e *Engine) FetchMessageBody(ctx context.Context, accountID string, ref model.MessageRef) (*model.Message, error) {
	sess, err := e.session(accountID)
	if err != nil {
		return nil, err
	}
	return sess.Coordinator.FetchBody(ctx, ref)
}

// === Actions ===

// QueueAction records a user mutation durably, applies it to the cache
// immediately, and replays it to the remote on the next online cycle.
func (e *Engine) QueueAction(ctx context.Context, accountID string, a model.PendingAction) error {
	sess, err := e.session(accountID)
	if err != nil {
		return err
	}
	if err := sess.Queue.Enqueue(ctx, a); err != nil {
		return err
	}
	sess.Coordinator.TriggerSync()
	return nil
}

// HasPendingActions reports whether an account has unreplayed actions.
func (e *Engine) HasPendingActions(ctx context.Context, accountID string) (bool, error) {
	sess, err := e.session(accountID)
	if err != nil {
		return false, err
	}
	return sess.Queue.HasPending(ctx)
}

// === Clusters ===

// Clusters returns the cluster ("lines") view of an account.
func (e *Engine) Clusters(ctx context.Context, accountID string) ([]model.Cluster, error) {
	ce, err := e.clusterEngine(accountID)
	if err != nil {
		return nil, err
	}
	return ce.ListClusters(ctx)
}

// ClusterMessages returns the member messages of a cluster.
func (e *Engine) ClusterMessages(ctx context.Context, accountID, clusterID string) ([]model.Message, error) {
	ce, err := e.clusterEngine(accountID)
	if err != nil {
		return nil, err
	}
	return ce.Messages(ctx, clusterID)
}

// ClusterThreads returns the conversations of a cluster.
func (e *Engine) ClusterThreads(ctx context.Context, accountID, clusterID string) ([]model.Conversation, error) {
	ce, err := e.clusterEngine(accountID)
	if err != nil {
		return nil, err
	}
	return ce.Threads(ctx, clusterID)
}

// GroupDomains merges domains into a named cluster.
func (e *Engine) GroupDomains(ctx context.Context, accountID, name string, domains []string) error {
	ce, err := e.clusterEngine(accountID)
	if err != nil {
		return err
	}
	return ce.GroupDomains(ctx, name, domains)
}

// UngroupDomains dissolves a merged cluster.
func (e *Engine) UngroupDomains(ctx context.Context, accountID, groupID string) error {
	ce, err := e.clusterEngine(accountID)
	if err != nil {
		return err
	}
	return ce.UngroupDomains(ctx, groupID)
}

// === Skills ===

// SaveSkill creates or updates a skill. The revision hash is recomputed
// from the prompt and model settings; a changed revision re-opens every
// message for classification.
func (e *Engine) SaveSkill(ctx context.Context, accountID string, sk model.Skill) (model.Skill, error) {
	sess, err := e.session(accountID)
	if err != nil {
		return model.Skill{}, err
	}

	if sk.ID == "" {
		sk.ID = uuid.NewString()
		sk.CreatedAt = time.Now().UTC()
	}
	if sk.Settings.Model == "" {
		sk.Settings.Model = e.cfg.Classifier.Model
	}
	sk.RevisionHash = skills.RevisionHash(sk.Prompt, sk.Settings.Model, sk.Settings.Temperature)

	if err := sess.Store.SaveSkill(ctx, sk); err != nil {
		return model.Skill{}, err
	}
	return sk, nil
}

// Skills lists an account's skills.
func (e *Engine) Skills(ctx context.Context, accountID string) ([]model.Skill, error) {
	sess, err := e.session(accountID)
	if err != nil {
		return nil, err
	}
	return sess.Store.ListSkills(ctx)
}

// DeleteSkill removes a skill and its verdicts.
func (e *Engine) DeleteSkill(ctx context.Context, accountID, skillID string) error {
	sess, err := e.session(accountID)
	if err != nil {
		return err
	}
	return sess.Store.DeleteSkill(ctx, skillID)
}

// RunSkills classifies unlabeled messages for every enabled skill of an
// account. A no-op when the classifier is disabled.
func (e *Engine) RunSkills(ctx context.Context, accountID string, limit int) error {
	e.mu.Lock()
	gw, ok := e.gateways[accountID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return gw.RunAll(ctx, limit)
}

// Close stops all accounts and the event bus.
func (e *Engine) Close() {
	e.manager.Close()
	e.bus.Close()
}
