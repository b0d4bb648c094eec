package drafts

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/agropulse/backend/internal/apperrors"
	"github.com/agropulse/backend/internal/db"
	"github.com/agropulse/backend/internal/models"
)

// ListingFields carries the user-entered fields of a draft listing. Payload
// is the full create-listing request; it is delivered whole on sync, never
// partially applied.
type ListingFields struct {
	CropName string
	Quantity float64
	Price    float64
	Region   string
	Quality  string
	Payload  json.RawMessage
}

// Listings is the draft repository for marketplace listings.
type Listings struct {
	repo *db.Repository
	log  *zap.Logger
}

// NewListings creates a listing draft repository.
func NewListings(repo *db.Repository, log *zap.Logger) *Listings {
	return &Listings{repo: repo, log: log}
}

// SaveDraft persists a new listing draft and returns it with its generated ID
// and enqueue timestamp.
func (l *Listings) SaveDraft(fields ListingFields) (*models.PendingListing, error) {
	payload := fields.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	draft := &models.PendingListing{
		CropName: fields.CropName,
		Quantity: fields.Quantity,
		Price:    fields.Price,
		Region:   fields.Region,
		Quality:  fields.Quality,
		Payload:  payload,
	}

	if err := l.repo.CreatePendingListing(draft); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to save listing draft", err)
	}

	l.log.Debug("saved listing draft",
		zap.String("id", draft.ID.String()),
		zap.String("crop_name", fields.CropName))

	return draft, nil
}

// LoadDrafts returns the unsynced listing drafts.
func (l *Listings) LoadDrafts() ([]*models.PendingListing, error) {
	drafts, err := l.repo.ListUnsyncedListings()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to load listing drafts", err)
	}
	return drafts, nil
}

// DeleteDraft removes a draft by ID; absent or already-synced drafts are a
// no-op.
func (l *Listings) DeleteDraft(id string) error {
	if err := l.repo.DeletePendingListing(id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete listing draft", err)
	}
	return nil
}
