package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbaer/linebox/internal/model"
)

// AuthError indicates that authentication failed or expired for the
// remote mailbox. It is never retried automatically.
type AuthError struct {
	Account string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TransientError indicates a connectivity or server failure that is
// expected to clear on retry. The sync coordinator backs off and tries
// again; the action queue keeps the failed action at the head.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error (%s): %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransientError reports whether err (or any error in its chain) is a
// TransientError.
func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ObsoleteError indicates that the remote no longer has the state an
// operation targets (message gone, folder gone). The operation can never
// succeed and must be discarded, not retried.
type ObsoleteError struct {
	Op  string
	Err error
}

func (e *ObsoleteError) Error() string {
	return fmt.Sprintf("obsolete operation (%s): %v", e.Op, e.Err)
}

func (e *ObsoleteError) Unwrap() error { return e.Err }

// IsObsoleteError reports whether err (or any error in its chain) is an
// ObsoleteError.
func IsObsoleteError(err error) bool {
	var oe *ObsoleteError
	return errors.As(err, &oe)
}

// FolderInfo describes one remote mailbox folder.
type FolderInfo struct {
	Name  string
	Attrs []string
}

// ChangeQuery asks for everything that changed in a folder since the
// cached cursor. SinceUID zero means an initial backfill bounded by
// Since; KnownUIDs drive flag resync and expunge detection.
type ChangeQuery struct {
	Folder    string
	SinceUID  uint32
	KnownUIDs []uint32
	Since     time.Time
	PageSize  int
}

// FlagUpdate carries the current remote flag set of one known message.
type FlagUpdate struct {
	UID   uint32
	Flags []string
}

// ChangeSet is the result of one change query. Messages hold envelope
// data only; bodies are fetched lazily via FetchBody.
type ChangeSet struct {
	UIDValidity uint32
	Messages    []model.Message
	FlagUpdates []FlagUpdate
	Expunged    []uint32
}

// Body is the lazily fetched content of one message.
type Body struct {
	Text          string
	HTML          string
	HasAttachment bool
}

// Transport is the remote mailbox access interface. Implementations keep
// a persistent connection and reconnect lazily; every method may return
// an AuthError, TransientError or ObsoleteError for the caller to branch
// on.
type Transport interface {
	// Connect establishes and authenticates the connection. Calling any
	// other method connects implicitly.
	Connect(ctx context.Context) error
	Close() error

	ListFolders(ctx context.Context) ([]FolderInfo, error)
	FetchChanges(ctx context.Context, q ChangeQuery) (*ChangeSet, error)
	FetchBody(ctx context.Context, folder string, uid uint32) (*Body, error)

	AddFlags(ctx context.Context, folder string, uids []uint32, flags []string) error
	RemoveFlags(ctx context.Context, folder string, uids []uint32, flags []string) error
	DeleteMessages(ctx context.Context, folder string, uids []uint32) error
	MoveMessages(ctx context.Context, folder string, uids []uint32, target string) error
}
