// Package memory is an in-process implementation of store.Store. It keeps the same
// compare-and-swap and counter semantics as the postgres store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"waitq/waiting-service/internal/models"
	"waitq/waiting-service/internal/store"
)

type Store struct {
	mu        sync.RWMutex
	entries   map[string]models.WaitingEntry
	events    map[string][]store.EntryEvent
	sequences map[string]int
	types     map[string]models.WaitingType
	settings  map[string]models.WaitingSetting
	sessions  map[string]store.Session
	customers map[string]string
}

func NewStore() *Store {
	return &Store{
		entries:   make(map[string]models.WaitingEntry),
		events:    make(map[string][]store.EntryEvent),
		sequences: make(map[string]int),
		types:     make(map[string]models.WaitingType),
		settings:  make(map[string]models.WaitingSetting),
		sessions:  make(map[string]store.Session),
		customers: make(map[string]string),
	}
}

func (s *Store) PutWaitingType(t models.WaitingType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[t.ID] = t
}

func (s *Store) PutSetting(setting models.WaitingSetting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[setting.StoreID] = setting
}

func (s *Store) PutSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

func (s *Store) PutCustomer(storeID, phone, customerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[storeID+"|"+phone] = customerID
}

func (s *Store) CreateEntry(ctx context.Context, input store.CreateEntryInput) (models.WaitingEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.WaitingEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := input.Entry
	if err := s.admit(entry, input.MaxActive, input.RejectDuplicatePhone); err != nil {
		return models.WaitingEntry{}, err
	}

	key := entry.StoreID + "|" + entry.BusinessDate
	s.sequences[key]++
	entry.WaitingNumber = s.sequences[key]
	entry.Version = 1

	event, err := store.NextEntryEvent(nil, entry, store.ActionRegister, entry.CreatedAt)
	if err != nil {
		return models.WaitingEntry{}, err
	}
	s.entries[entry.ID] = entry
	s.events[entry.ID] = []store.EntryEvent{event}
	return entry, nil
}

// admit checks capacity and the one-active-entry-per-phone rule for an entry about to
// join the active set. Callers hold s.mu.
func (s *Store) admit(entry models.WaitingEntry, maxActive int, rejectDuplicatePhone bool) error {
	active := 0
	for _, existing := range s.entries {
		if existing.ID == entry.ID || existing.StoreID != entry.StoreID || !existing.Status.Active() {
			continue
		}
		active++
		if rejectDuplicatePhone && entry.Phone != "" && existing.Phone == entry.Phone && existing.BusinessDate == entry.BusinessDate {
			return store.ErrDuplicateEntry
		}
	}
	if maxActive > 0 && active >= maxActive {
		return store.ErrCapacityExceeded
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, storeID, entryID string) (models.WaitingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryID]
	if !ok || entry.StoreID != storeID {
		return models.WaitingEntry{}, store.ErrEntryNotFound
	}
	return entry, nil
}

func (s *Store) ListActive(ctx context.Context, storeID, waitingTypeID string) ([]models.WaitingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WaitingEntry
	for _, entry := range s.entries {
		if entry.StoreID != storeID || !entry.Status.Active() {
			continue
		}
		if waitingTypeID != "" && entry.WaitingTypeID != waitingTypeID {
			continue
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

func (s *Store) ListEntries(ctx context.Context, filter store.ListFilter) ([]models.WaitingEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []models.WaitingEntry
	for _, entry := range s.entries {
		if entry.StoreID != filter.StoreID {
			continue
		}
		if filter.WaitingTypeID != "" && entry.WaitingTypeID != filter.WaitingTypeID {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, entry.Status) {
			continue
		}
		if !filter.CreatedFrom.IsZero() && entry.CreatedAt.Before(filter.CreatedFrom) {
			continue
		}
		if !filter.CreatedTo.IsZero() && !entry.CreatedAt.Before(filter.CreatedTo) {
			continue
		}
		matched = append(matched, entry)
	}
	sortEntries(matched)
	total := len(matched)
	if filter.Offset >= total {
		return []models.WaitingEntry{}, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < total {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

func (s *Store) ListCreatedBetween(ctx context.Context, storeID string, from, to time.Time) ([]models.WaitingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WaitingEntry
	for _, entry := range s.entries {
		if entry.StoreID == storeID && !entry.CreatedAt.Before(from) && entry.CreatedAt.Before(to) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) FindByPhone(ctx context.Context, storeID, phone string, from, to time.Time) ([]models.WaitingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WaitingEntry
	for _, entry := range s.entries {
		if entry.StoreID != storeID || entry.Phone != phone {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ApplyTransition(ctx context.Context, input store.TransitionInput) (models.WaitingEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.WaitingEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[input.Current.ID]
	if !ok || current.StoreID != input.Current.StoreID {
		return models.WaitingEntry{}, store.ErrEntryNotFound
	}
	if current.Status != input.Current.Status || current.Version != input.Current.Version {
		return models.WaitingEntry{}, store.ErrGuardFailed
	}

	if input.Reactivates() {
		if err := s.admit(current, input.MaxActive, input.RejectDuplicatePhone); err != nil {
			return models.WaitingEntry{}, err
		}
	}

	next := applyLifecycle(current, input.Next)
	next.Version = current.Version + 1

	events := s.events[next.ID]
	var last *store.EntryEvent
	if len(events) > 0 {
		last = &events[len(events)-1]
	}
	event, err := store.NextEntryEvent(last, next, input.Action, input.OccurredAt)
	if err != nil {
		return models.WaitingEntry{}, err
	}
	s.entries[next.ID] = next
	s.events[next.ID] = append(events, event)
	return next, nil
}

func (s *Store) UpdateMemo(ctx context.Context, storeID, entryID, memo string, at time.Time) (models.WaitingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok || entry.StoreID != storeID {
		return models.WaitingEntry{}, store.ErrEntryNotFound
	}
	entry.Memo = memo
	s.entries[entryID] = entry
	return entry, nil
}

func (s *Store) ListExpiredCalls(ctx context.Context, now time.Time, limit int) ([]models.WaitingEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WaitingEntry
	for _, entry := range s.entries {
		if entry.Status != models.StatusCalled || entry.CallExpireAt == nil || entry.CallExpireAt.After(now) {
			continue
		}
		setting, ok := s.settings[entry.StoreID]
		if ok && !setting.AutoCancel {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallExpireAt.Before(*out[j].CallExpireAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListEntryEvents(ctx context.Context, storeID, entryID string) ([]store.EntryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryID]
	if !ok || entry.StoreID != storeID {
		return nil, store.ErrEntryNotFound
	}
	return append([]store.EntryEvent(nil), s.events[entryID]...), nil
}

func (s *Store) GetWaitingType(ctx context.Context, storeID, waitingTypeID string) (models.WaitingType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.types[waitingTypeID]
	if !ok || t.StoreID != storeID {
		return models.WaitingType{}, store.ErrWaitingTypeNotFound
	}
	return t, nil
}

func (s *Store) ListWaitingTypes(ctx context.Context, storeID string) ([]models.WaitingType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WaitingType
	for _, t := range s.types {
		if t.StoreID == storeID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Store) GetSetting(ctx context.Context, storeID string) (models.WaitingSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	setting, ok := s.settings[storeID]
	if !ok {
		return models.WaitingSetting{}, store.ErrSettingNotFound
	}
	return setting, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	if !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) OperationStatus(ctx context.Context, storeID string) (models.OperationStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	setting, ok := s.settings[storeID]
	if !ok {
		return models.OperationClosed, nil
	}
	return setting.Normalized().OperationStatus, nil
}

func (s *Store) ResolveCustomer(ctx context.Context, storeID, phone string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.customers[storeID+"|"+strings.TrimSpace(phone)]
	return id, ok, nil
}

// applyLifecycle copies the fields a transition may change onto the stored entry, so
// identity and memo are never overwritten by a transition.
func applyLifecycle(current, next models.WaitingEntry) models.WaitingEntry {
	current.Status = next.Status
	current.CustomerID = next.CustomerID
	current.OrderedAt = next.OrderedAt
	current.CalledAt = next.CalledAt
	current.CallExpireAt = next.CallExpireAt
	current.CalledCount = next.CalledCount
	current.SeatedAt = next.SeatedAt
	current.CancelledAt = next.CancelledAt
	current.CancelReason = next.CancelReason
	current.Deferred = next.Deferred
	return current
}

var statusOrder = map[models.Status]int{
	models.StatusCalled:    0,
	models.StatusWaiting:   1,
	models.StatusSeated:    2,
	models.StatusCancelled: 3,
	models.StatusNoShow:    4,
}

func sortEntries(entries []models.WaitingEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if statusOrder[a.Status] != statusOrder[b.Status] {
			return statusOrder[a.Status] < statusOrder[b.Status]
		}
		if !a.OrderedAt.Equal(b.OrderedAt) {
			return a.OrderedAt.Before(b.OrderedAt)
		}
		if a.WaitingNumber != b.WaitingNumber {
			return a.WaitingNumber < b.WaitingNumber
		}
		return a.ID < b.ID
	})
}

func containsStatus(values []models.Status, value models.Status) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}
