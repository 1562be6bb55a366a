package model

import "time"

// ActionKind identifies a queued user mutation.
type ActionKind string

const (
	ActionAddFlags    ActionKind = "add_flags"
	ActionRemoveFlags ActionKind = "remove_flags"
	ActionDelete      ActionKind = "delete"
	ActionMove        ActionKind = "move"
)

// PendingAction is one durable entry of the offline action queue.
// Seq is assigned by the store on append and actions are replayed
// against the remote mailbox strictly in Seq order.
type PendingAction struct {
	Seq          int64
	Kind         ActionKind
	Folder       string
	UIDs         []uint32
	Flags        []string
	TargetFolder string
	CreatedAt    time.Time

	RetryCount int
	LastError  string
}
