package model

import "time"

// Tab selects a predefined partition of the conversation list. Tabs are
// pure filters over cached conversations, not separate tables.
type Tab string

const (
	// TabEveryone includes all conversations.
	TabEveryone Tab = "everyone"
	// TabConnections includes conversations where at least one
	// participant is a known sender (someone the user has written to).
	TabConnections Tab = "connections"
	// TabStrangers includes conversations with no known participant.
	TabStrangers Tab = "strangers"
)

// Participant is one normalized member of a conversation.
type Participant struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Conversation groups messages that share a normalized participant set.
// All counter and last-message fields are denormalized from the member
// messages and recomputed whenever a member changes.
type Conversation struct {
	ID             string
	ParticipantKey string
	Participants   []Participant

	LastMessageDate    time.Time
	LastMessagePreview string
	LastMessageFrom    string

	MessageCount int
	UnreadCount  int

	UpdatedAt time.Time
}
