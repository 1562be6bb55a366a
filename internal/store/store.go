package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbaer/linebox/internal/model"
)

// StorageError marks a local persistence failure. It is fatal to the
// current sync cycle and must be surfaced to the user distinctly from a
// transport error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error (%s): %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err (or any error in its chain) is a
// StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// FolderCursor is the incremental sync checkpoint for one folder.
// HighestUID is the largest UID already ingested; a UIDVALIDITY change
// invalidates the folder's cache.
type FolderCursor struct {
	Folder      string
	UIDValidity uint32
	HighestUID  uint32
	LastSync    *time.Time
}

// DomainStat is the raw per-sender-domain aggregate the cluster engine
// builds its view from.
type DomainStat struct {
	Domain       string
	MessageCount int
	ThreadCount  int
}

// SkillStat is the per-skill matched-message aggregate.
type SkillStat struct {
	SkillID      string
	MessageCount int
	ThreadCount  int
}

// Store is the durable, account-scoped persistence interface. One Store
// maps to one account database; accounts are never co-mingled. All
// mutation goes through the sync coordinator's single-writer path.
type Store interface {
	Close() error

	// === Messages ===

	// UpsertMessage is idempotent on (folder, uid). A record without a
	// body never clobbers a locally cached body.
	UpsertMessage(ctx context.Context, m model.Message) error
	GetMessage(ctx context.Context, ref model.MessageRef) (*model.Message, error)
	UpdateFlags(ctx context.Context, ref model.MessageRef, flags []string) error
	// DeleteMessages removes rows and their conversation links, and
	// returns the conversation IDs that lost members.
	DeleteMessages(ctx context.Context, folder string, uids []uint32) ([]string, error)
	// MoveMessages retargets cached rows to another folder, keeping
	// their UIDs as a local approximation until the next sync.
	MoveMessages(ctx context.Context, folder, target string, uids []uint32) ([]string, error)
	UIDsForFolder(ctx context.Context, folder string) ([]uint32, error)
	MessageCount(ctx context.Context) (int, error)

	// === Folder cursors ===

	FolderCursor(ctx context.Context, folder string) (FolderCursor, error)
	SaveFolderCursor(ctx context.Context, c FolderCursor) error
	// ClearFolder drops all cached messages and the cursor for a
	// folder (UIDVALIDITY change).
	ClearFolder(ctx context.Context, folder string) ([]string, error)

	// === Conversations ===

	EnsureConversation(ctx context.Context, conv model.Conversation) error
	SetMessageConversation(ctx context.Context, ref model.MessageRef, convID string) error
	LinkMessageToConversation(ctx context.Context, convID string, ref model.MessageRef) error
	// RefreshConversation recomputes the denormalized counters and
	// last-message fields of one conversation from its member rows.
	RefreshConversation(ctx context.Context, convID string) error
	DeleteEmptyConversations(ctx context.Context) error
	GetConversations(ctx context.Context, tab model.Tab) ([]model.Conversation, error)
	GetConversation(ctx context.Context, convID string) (*model.Conversation, error)
	GetConversationMessages(ctx context.Context, convID string) ([]model.Message, error)

	// === Clusters (line groups) ===

	GroupDomains(ctx context.Context, name string, domains []string) error
	UngroupDomains(ctx context.Context, groupID string) error
	DomainToGroup(ctx context.Context) (map[string]string, error)
	DomainsForGroup(ctx context.Context, groupID string) ([]string, error)
	DomainStats(ctx context.Context) ([]DomainStat, error)
	MessagesByDomains(ctx context.Context, domains []string) ([]model.Message, error)
	ConversationsByDomains(ctx context.Context, domains []string) ([]model.Conversation, error)

	// === Pending actions ===

	AppendAction(ctx context.Context, a model.PendingAction) (int64, error)
	PendingActions(ctx context.Context) ([]model.PendingAction, error)
	DeleteAction(ctx context.Context, seq int64) error
	RecordActionFailure(ctx context.Context, seq int64, message string) (int, error)
	HasPendingActions(ctx context.Context) (bool, error)

	// === Skills ===

	SaveSkill(ctx context.Context, s model.Skill) error
	GetSkill(ctx context.Context, id string) (*model.Skill, error)
	ListSkills(ctx context.Context) ([]model.Skill, error)
	DeleteSkill(ctx context.Context, id string) error
	// SkillCandidates returns cached messages lacking a verdict for the
	// skill's current revision, with quick modifiers already applied.
	SkillCandidates(ctx context.Context, s model.Skill, limit int) ([]model.Message, error)
	SaveSkillVerdict(ctx context.Context, skillID string, ref model.MessageRef, matched bool, revision string) error
	SkillStats(ctx context.Context) ([]SkillStat, error)
	MessagesForSkill(ctx context.Context, skillID string) ([]model.Message, error)
	ConversationsForSkill(ctx context.Context, skillID string) ([]model.Conversation, error)

	// === Known senders ===

	UpsertKnownSenders(ctx context.Context, recipients []model.Participant) error
	KnownSenders(ctx context.Context) (map[string]bool, error)
}
