package conversation

import (
	"context"

	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/model"
	"github.com/mbaer/linebox/internal/store"
)

// Materializer assigns cached messages to conversations and keeps the
// denormalized conversation rows current. It is re-entrant: applying the
// same message twice converges to the same state.
type Materializer struct {
	store  store.Store
	self   map[string]bool
	logger *zap.Logger
}

// NewMaterializer creates a materializer for one account. selfAddrs are
// the owner's address and aliases, which never count as participants.
func NewMaterializer(st store.Store, selfAddrs []string, logger *zap.Logger) *Materializer {
	return &Materializer{
		store:  st,
		self:   SelfSet(selfAddrs),
		logger: logger,
	}
}

// Apply assigns one message to its conversation and returns the
// conversation ID. Messages whose only participant is the owner get no
// conversation and return an empty ID.
func (mat *Materializer) Apply(ctx context.Context, m model.Message) (string, error) {
	participants := ExtractParticipants(m, mat.self)
	if len(participants) == 0 {
		return "", nil
	}

	key := ParticipantKey(participants)
	convID := ConversationID(key)

	conv := model.Conversation{
		ID:             convID,
		ParticipantKey: key,
		Participants:   participants,
	}
	if err := mat.store.EnsureConversation(ctx, conv); err != nil {
		return "", err
	}
	if err := mat.store.SetMessageConversation(ctx, m.Ref(), convID); err != nil {
		return "", err
	}
	if err := mat.store.LinkMessageToConversation(ctx, convID, m.Ref()); err != nil {
		return "", err
	}

	return convID, nil
}

// ApplyBatch materializes a batch of messages and refreshes each touched
// conversation exactly once. It returns the touched conversation IDs.
func (mat *Materializer) ApplyBatch(ctx context.Context, msgs []model.Message) ([]string, error) {
	touched := make(map[string]bool)

	for _, m := range msgs {
		convID, err := mat.Apply(ctx, m)
		if err != nil {
			return nil, err
		}
		if convID != "" {
			touched[convID] = true
		}
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}

	if err := mat.Refresh(ctx, ids); err != nil {
		return nil, err
	}

	mat.logger.Debug("materialized messages",
		zap.Int("messages", len(msgs)),
		zap.Int("conversations", len(ids)))
	return ids, nil
}

// Refresh recomputes the denormalized fields of the given conversations
// and drops any that lost all members.
func (mat *Materializer) Refresh(ctx context.Context, convIDs []string) error {
	for _, id := range convIDs {
		if err := mat.store.RefreshConversation(ctx, id); err != nil {
			return err
		}
	}
	if len(convIDs) > 0 {
		if err := mat.store.DeleteEmptyConversations(ctx); err != nil {
			return err
		}
	}
	return nil
}
