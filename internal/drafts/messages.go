// Package drafts provides typed draft repositories over the persistent local
// store. A saved draft is durable immediately: it is visible to a subsequent
// load even if no network roundtrip ever happens.
package drafts

import (
	"go.uber.org/zap"

	"github.com/agropulse/backend/internal/apperrors"
	"github.com/agropulse/backend/internal/db"
	"github.com/agropulse/backend/internal/models"
)

// Messages is the draft repository for chat messages.
type Messages struct {
	repo *db.Repository
	log  *zap.Logger
}

// NewMessages creates a message draft repository.
func NewMessages(repo *db.Repository, log *zap.Logger) *Messages {
	return &Messages{repo: repo, log: log}
}

// SaveDraft persists a new message draft and returns it with its generated ID
// and enqueue timestamp.
func (m *Messages) SaveDraft(conversationID, recipientID, content string) (*models.PendingMessage, error) {
	draft := &models.PendingMessage{
		ConversationID: conversationID,
		RecipientID:    recipientID,
		Content:        content,
	}

	if err := m.repo.CreatePendingMessage(draft); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to save message draft", err)
	}

	m.log.Debug("saved message draft",
		zap.String("id", draft.ID.String()),
		zap.String("conversation_id", conversationID))

	return draft, nil
}

// LoadDrafts returns the unsynced message drafts.
func (m *Messages) LoadDrafts() ([]*models.PendingMessage, error) {
	drafts, err := m.repo.ListUnsyncedMessages()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to load message drafts", err)
	}
	return drafts, nil
}

// DeleteDraft removes a draft by ID. Deleting a draft that does not exist, or
// that has already synced and been cleaned up, is a no-op.
func (m *Messages) DeleteDraft(id string) error {
	if err := m.repo.DeletePendingMessage(id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete message draft", err)
	}
	return nil
}

// DraftForConversation returns the oldest unsynced draft for a conversation,
// or nil when there is none.
func (m *Messages) DraftForConversation(conversationID string) (*models.PendingMessage, error) {
	drafts, err := m.repo.ListMessagesByConversation(conversationID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to load conversation draft", err)
	}
	if len(drafts) == 0 {
		return nil, nil
	}
	return drafts[0], nil
}
