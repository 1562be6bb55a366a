package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mbaer/linebox/internal/conversation"
	"github.com/mbaer/linebox/internal/events"
	"github.com/mbaer/linebox/internal/model"
	"github.com/mbaer/linebox/internal/store"
	"github.com/mbaer/linebox/internal/transport"
)

// DefaultMaxRetries bounds transient replay failures per action before
// the action is dropped as poisonous.
const DefaultMaxRetries = 5

// Queue is the durable offline action queue for one account. Enqueue
// applies the mutation to the local cache immediately and records the
// action for replay; Drain replays the backlog against the remote
// mailbox strictly in enqueue order.
type Queue struct {
	accountID  string
	store      store.Store
	transport  transport.Transport
	mat        *conversation.Materializer
	bus        *events.Bus
	logger     *zap.Logger
	maxRetries int
}

// New creates a queue for one account.
func New(accountID string, st store.Store, tr transport.Transport, mat *conversation.Materializer, bus *events.Bus, logger *zap.Logger) *Queue {
	return &Queue{
		accountID:  accountID,
		store:      st,
		transport:  tr,
		mat:        mat,
		bus:        bus,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
	}
}

// Enqueue durably records an action and applies it to the local cache
// so the UI reflects the mutation before the remote does.
func (q *Queue) Enqueue(ctx context.Context, a model.PendingAction) error {
	if len(a.UIDs) == 0 {
		return fmt.Errorf("action %s has no target messages", a.Kind)
	}

	seq, err := q.store.AppendAction(ctx, a)
	if err != nil {
		return err
	}

	if err := q.applyLocal(ctx, a); err != nil {
		return err
	}

	q.logger.Debug("action enqueued",
		zap.Int64("seq", seq),
		zap.String("kind", string(a.Kind)),
		zap.String("folder", a.Folder),
		zap.Int("messages", len(a.UIDs)))
	return nil
}

// applyLocal mutates the cache to match the action's intended outcome.
func (q *Queue) applyLocal(ctx context.Context, a model.PendingAction) error {
	var touched []string

	switch a.Kind {
	case model.ActionAddFlags, model.ActionRemoveFlags:
		for _, uid := range a.UIDs {
			ref := model.MessageRef{Folder: a.Folder, UID: uid}
			msg, err := q.store.GetMessage(ctx, ref)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return err
			}

			flags := msg.Flags
			if a.Kind == model.ActionAddFlags {
				flags = model.AddFlags(flags, a.Flags)
			} else {
				flags = model.RemoveFlags(flags, a.Flags)
			}
			if err := q.store.UpdateFlags(ctx, ref, flags); err != nil {
				return err
			}
			if msg.ConversationID != "" {
				touched = append(touched, msg.ConversationID)
			}
		}
		q.bus.Publish(events.FlagsChanged{AccountID: q.accountID, Folder: a.Folder, UIDs: a.UIDs})

	case model.ActionDelete:
		ids, err := q.store.DeleteMessages(ctx, a.Folder, a.UIDs)
		if err != nil {
			return err
		}
		touched = ids
		q.bus.Publish(events.MessagesDeleted{AccountID: q.accountID, Folder: a.Folder, UIDs: a.UIDs})

	case model.ActionMove:
		ids, err := q.store.MoveMessages(ctx, a.Folder, a.TargetFolder, a.UIDs)
		if err != nil {
			return err
		}
		touched = ids
		q.bus.Publish(events.MessagesDeleted{AccountID: q.accountID, Folder: a.Folder, UIDs: a.UIDs})

	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}

	if len(touched) > 0 {
		if err := q.mat.Refresh(ctx, touched); err != nil {
			return err
		}
		q.bus.Publish(events.ConversationsUpdated{AccountID: q.accountID, IDs: touched})
	}
	return nil
}

// Drain replays the pending backlog in sequence order. A transient
// failure stops the drain with the failed action retained at the head;
// an obsolete action is dropped and the drain continues. Returns the
// number of actions replayed or discarded.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	actions, err := q.store.PendingActions(ctx)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		err := q.replay(ctx, a)
		if err == nil {
			if err := q.store.DeleteAction(ctx, a.Seq); err != nil {
				return done, err
			}
			done++
			continue
		}

		if transport.IsObsoleteError(err) {
			q.logger.Warn("dropping obsolete action",
				zap.Int64("seq", a.Seq),
				zap.String("kind", string(a.Kind)),
				zap.Error(err))
			if err := q.store.DeleteAction(ctx, a.Seq); err != nil {
				return done, err
			}
			done++
			continue
		}

		if transport.IsTransientError(err) {
			retries, rerr := q.store.RecordActionFailure(ctx, a.Seq, err.Error())
			if rerr != nil {
				return done, rerr
			}
			if retries >= q.maxRetries {
				q.logger.Warn("dropping action after retry budget",
					zap.Int64("seq", a.Seq),
					zap.String("kind", string(a.Kind)),
					zap.Int("retries", retries),
					zap.Error(err))
				if derr := q.store.DeleteAction(ctx, a.Seq); derr != nil {
					return done, derr
				}
				done++
				continue
			}
			return done, err
		}

		// Auth and storage errors halt the drain unconditionally.
		return done, err
	}

	return done, nil
}

func (q *Queue) replay(ctx context.Context, a model.PendingAction) error {
	switch a.Kind {
	case model.ActionAddFlags:
		return q.transport.AddFlags(ctx, a.Folder, a.UIDs, a.Flags)
	case model.ActionRemoveFlags:
		return q.transport.RemoveFlags(ctx, a.Folder, a.UIDs, a.Flags)
	case model.ActionDelete:
		return q.transport.DeleteMessages(ctx, a.Folder, a.UIDs)
	case model.ActionMove:
		return q.transport.MoveMessages(ctx, a.Folder, a.UIDs, a.TargetFolder)
	default:
		return &transport.ObsoleteError{
			Op:  "replay",
			Err: fmt.Errorf("unknown action kind %q", a.Kind),
		}
	}
}

// HasPending reports whether unreplayed actions remain.
func (q *Queue) HasPending(ctx context.Context) (bool, error) {
	return q.store.HasPendingActions(ctx)
}
