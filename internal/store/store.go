package store

import (
	"context"
	"time"

	"waitq/waiting-service/internal/models"
)

type CreateEntryInput struct {
	Entry                models.WaitingEntry
	MaxActive            int
	RejectDuplicatePhone bool
}

// TransitionInput carries the state the caller read (Current) and the state it wants
// written (Next). The write only happens while the stored status and version still
// match Current. MaxActive and RejectDuplicatePhone apply only when the transition
// makes an inactive entry active again, with the same rules as CreateEntry.
type TransitionInput struct {
	Action               string
	Current              models.WaitingEntry
	Next                 models.WaitingEntry
	OccurredAt           time.Time
	MaxActive            int
	RejectDuplicatePhone bool
}

// Reactivates reports whether the transition adds an entry back to the active set.
func (in TransitionInput) Reactivates() bool {
	return !in.Current.Status.Active() && in.Next.Status.Active()
}

type ListFilter struct {
	StoreID       string
	Statuses      []models.Status
	WaitingTypeID string
	CreatedFrom   time.Time
	CreatedTo     time.Time
	Limit         int
	Offset        int
}

type EntryStore interface {
	CreateEntry(ctx context.Context, input CreateEntryInput) (models.WaitingEntry, error)
	GetEntry(ctx context.Context, storeID, entryID string) (models.WaitingEntry, error)
	ListActive(ctx context.Context, storeID, waitingTypeID string) ([]models.WaitingEntry, error)
	ListEntries(ctx context.Context, filter ListFilter) ([]models.WaitingEntry, int, error)
	ListCreatedBetween(ctx context.Context, storeID string, from, to time.Time) ([]models.WaitingEntry, error)
	FindByPhone(ctx context.Context, storeID, phone string, from, to time.Time) ([]models.WaitingEntry, error)
	ApplyTransition(ctx context.Context, input TransitionInput) (models.WaitingEntry, error)
	UpdateMemo(ctx context.Context, storeID, entryID, memo string, at time.Time) (models.WaitingEntry, error)
	ListExpiredCalls(ctx context.Context, now time.Time, limit int) ([]models.WaitingEntry, error)
	ListEntryEvents(ctx context.Context, storeID, entryID string) ([]EntryEvent, error)
}

type ConfigStore interface {
	GetWaitingType(ctx context.Context, storeID, waitingTypeID string) (models.WaitingType, error)
	ListWaitingTypes(ctx context.Context, storeID string) ([]models.WaitingType, error)
	GetSetting(ctx context.Context, storeID string) (models.WaitingSetting, error)
}

type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

type Store interface {
	EntryStore
	ConfigStore
	SessionStore
}

type Session struct {
	SessionID string
	UserID    string
	StoreID   string
	Role      string
	ExpiresAt time.Time
}
