package model

import "time"

// Standard IMAP flags the engine cares about.
const (
	FlagSeen     = "\\Seen"
	FlagAnswered = "\\Answered"
	FlagFlagged  = "\\Flagged"
	FlagDeleted  = "\\Deleted"
	FlagDraft    = "\\Draft"
)

// MessageRef identifies a cached message within an account.
// (folder, uid) is the remote identity; UIDs are unique per folder
// for a given UIDVALIDITY.
type MessageRef struct {
	Folder string
	UID    uint32
}

// Message is a cached copy of a remote mailbox message. The envelope is
// always present; the body is fetched lazily and BodyCached records
// whether it is.
type Message struct {
	Folder        string
	UID           uint32
	MessageID     string
	InReplyTo     string
	FromAddress   string
	FromName      string
	ToAddresses   []string
	CcAddresses   []string
	Subject       string
	Date          time.Time
	Flags         []string
	HasAttachment bool
	BodyCached    bool
	TextBody      string
	HTMLBody      string

	// ConversationID is set by the materializer once the message has
	// been assigned to a conversation; empty for self-only messages.
	ConversationID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ref returns the (folder, uid) identity of the message.
func (m *Message) Ref() MessageRef {
	return MessageRef{Folder: m.Folder, UID: m.UID}
}

// Seen reports whether the message carries the \Seen flag.
func (m *Message) Seen() bool {
	return HasFlag(m.Flags, FlagSeen)
}

// HasFlag reports whether flags contains flag (case-insensitive on the
// flag word, tolerant of a missing leading backslash).
func HasFlag(flags []string, flag string) bool {
	want := normalizeFlag(flag)
	for _, f := range flags {
		if normalizeFlag(f) == want {
			return true
		}
	}
	return false
}

// AddFlags returns flags with the given flags added, without duplicates.
func AddFlags(flags, add []string) []string {
	out := append([]string(nil), flags...)
	for _, a := range add {
		if !HasFlag(out, a) {
			out = append(out, a)
		}
	}
	return out
}

// RemoveFlags returns flags with the given flags removed.
func RemoveFlags(flags, remove []string) []string {
	var out []string
	for _, f := range flags {
		if !HasFlag(remove, f) {
			out = append(out, f)
		}
	}
	return out
}

func normalizeFlag(f string) string {
	for len(f) > 0 && f[0] == '\\' {
		f = f[1:]
	}
	b := []byte(f)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}
