package events

import (
	"sync"

	"github.com/mbaer/linebox/internal/model"
)

// Event is a notification published by the sync engine. Events are
// advisory: they carry no payload large enough to substitute for a cache
// read, and there is no replay for subscribers that attach late.
type Event interface {
	eventKind() string
}

// StatusChanged reports a sync status transition for an account.
type StatusChanged struct {
	Status model.SyncStatus
}

// NewMessages reports freshly ingested messages in a folder.
type NewMessages struct {
	AccountID string
	Folder    string
	Count     int
}

// MessagesDeleted reports messages removed from the local cache.
type MessagesDeleted struct {
	AccountID string
	Folder    string
	UIDs      []uint32
}

// FlagsChanged reports flag updates applied to cached messages.
type FlagsChanged struct {
	AccountID string
	Folder    string
	UIDs      []uint32
}

// ConversationsUpdated reports conversations whose denormalized state
// changed.
type ConversationsUpdated struct {
	AccountID string
	IDs       []string
}

// SyncComplete reports the end of one successful sync cycle.
type SyncComplete struct {
	AccountID string
}

// SyncFailed reports a sync error surfaced to the user.
type SyncFailed struct {
	AccountID string
	Message   string
}

func (StatusChanged) eventKind() string        { return "status_changed" }
func (NewMessages) eventKind() string          { return "new_messages" }
func (MessagesDeleted) eventKind() string      { return "messages_deleted" }
func (FlagsChanged) eventKind() string         { return "flags_changed" }
func (ConversationsUpdated) eventKind() string { return "conversations_updated" }
func (SyncComplete) eventKind() string         { return "sync_complete" }
func (SyncFailed) eventKind() string           { return "sync_failed" }

type subscriber struct {
	id int
	ch chan Event
}

// Bus is an in-process publish/subscribe fan-out. Publish preserves
// order per subscriber; a subscriber whose buffer is full misses the
// event rather than blocking the publisher, so consumers must treat
// events as hints and re-read the cache.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned cancel function detaches the subscriber and closes its
// channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, ch: ch})

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Buffer full: drop for this subscriber.
		}
	}
}

// Close detaches all subscribers and closes their channels. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}
