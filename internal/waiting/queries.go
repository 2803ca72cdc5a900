package waiting

import (
	"context"
	"strings"

	"waitq/waiting-service/internal/models"
	"waitq/waiting-service/internal/store"
)

// EntryView is an entry as shown to clients. Placement fields are nil for entries that
// no longer hold a place in the queue.
type EntryView struct {
	models.WaitingEntry
	WaitingTypeName  string `json:"waiting_type_name,omitempty"`
	Position         *int   `json:"position,omitempty"`
	WaitingPosition  *int   `json:"waiting_position,omitempty"`
	EstimatedMinutes *int   `json:"estimated_minutes,omitempty"`
}

func newEntryView(entry models.WaitingEntry, typeName string, placement *Placement) EntryView {
	view := EntryView{WaitingEntry: entry, WaitingTypeName: typeName}
	if placement != nil && entry.Status.Active() {
		position := placement.Position
		waitingPosition := placement.WaitingPosition
		estimated := placement.EstimatedMinutes
		view.Position = &position
		view.WaitingPosition = &waitingPosition
		view.EstimatedMinutes = &estimated
	}
	return view
}

type ListQuery struct {
	StoreID       string
	Statuses      []models.Status
	WaitingTypeID string
	Page          int
	Limit         int
}

type ListPage struct {
	Items      []EntryView `json:"items"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	Total      int         `json:"total"`
	TotalPages int         `json:"total_pages"`
}

// ParseStatuses reads a comma separated status filter. Blank input means no filter.
func ParseStatuses(raw string) ([]models.Status, error) {
	var statuses []models.Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		status, ok := models.ParseStatus(part)
		if !ok {
			return nil, validationError("unknown status %q", part)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// List pages through a store's entries. Placement is computed over the whole active
// queue so that a page never renumbers positions.
func (s *Service) List(ctx context.Context, query ListQuery) (ListPage, error) {
	page := query.Page
	if page < 1 {
		page = 1
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	entries, total, err := s.store.ListEntries(ctx, store.ListFilter{
		StoreID:       query.StoreID,
		Statuses:      query.Statuses,
		WaitingTypeID: query.WaitingTypeID,
		Limit:         limit,
		Offset:        (page - 1) * limit,
	})
	if err != nil {
		return ListPage{}, translate(err)
	}

	types, placements, err := s.activePlacements(ctx, query.StoreID)
	if err != nil {
		return ListPage{}, err
	}

	items := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		var placement *Placement
		if p, ok := placements[entry.ID]; ok {
			placement = &p
		}
		items = append(items, newEntryView(entry, types[entry.WaitingTypeID].Name, placement))
	}

	totalPages := (total + limit - 1) / limit
	return ListPage{Items: items, Page: page, Limit: limit, Total: total, TotalPages: totalPages}, nil
}

// activePlacements returns the store's waiting types by id and the placement of every
// active entry.
func (s *Service) activePlacements(ctx context.Context, storeID string) (map[string]models.WaitingType, map[string]Placement, error) {
	waitingTypes, err := s.store.ListWaitingTypes(ctx, storeID)
	if err != nil {
		return nil, nil, translate(err)
	}
	types := make(map[string]models.WaitingType, len(waitingTypes))
	avg := make(map[string]int, len(waitingTypes))
	for _, t := range waitingTypes {
		types[t.ID] = t
		avg[t.ID] = t.AvgWaitTimePerTeam
	}

	active, err := s.store.ListActive(ctx, storeID, "")
	if err != nil {
		return nil, nil, translate(err)
	}
	return types, Positions(active, avg), nil
}

type PhoneStatus struct {
	Found   bool       `json:"found"`
	Waiting *EntryView `json:"waiting,omitempty"`
}

// StatusByPhone finds a customer's entry for today. An active entry wins over a more
// recent completed one. No entry is reported as Found=false, not as an error.
func (s *Service) StatusByPhone(ctx context.Context, storeID, rawPhone string) (PhoneStatus, error) {
	phone, ok := NormalizePhone(rawPhone)
	if !ok {
		return PhoneStatus{}, validationError("phone must be 10-11 digits")
	}
	entry, found, err := s.todayByPhone(ctx, storeID, phone)
	if err != nil || !found {
		return PhoneStatus{}, err
	}

	view, err := s.viewOf(ctx, entry)
	if err != nil {
		return PhoneStatus{}, err
	}
	view.Memo = ""
	view.CustomerID = nil

	setting, err := s.settingFor(ctx, storeID)
	if err != nil {
		return PhoneStatus{}, err
	}
	if !setting.ShowEstimatedTime {
		view.EstimatedMinutes = nil
	}
	return PhoneStatus{Found: true, Waiting: &view}, nil
}

// CancelByPhone lets a customer withdraw today's active entry.
func (s *Service) CancelByPhone(ctx context.Context, storeID, rawPhone string) (models.WaitingEntry, error) {
	phone, ok := NormalizePhone(rawPhone)
	if !ok {
		return models.WaitingEntry{}, validationError("phone must be 10-11 digits")
	}
	entry, found, err := s.todayByPhone(ctx, storeID, phone)
	if err != nil {
		return models.WaitingEntry{}, err
	}
	if !found || !entry.Status.Active() {
		return models.WaitingEntry{}, notFoundError("no active waiting today for this phone")
	}
	return s.transition(ctx, storeID, entry.ID, store.ActionCancel, cancelStep(models.CancelCustomerRequest))
}

func (s *Service) todayByPhone(ctx context.Context, storeID, phone string) (models.WaitingEntry, bool, error) {
	day := dayOf(s.now(), s.location)
	entries, err := s.store.FindByPhone(ctx, storeID, phone, day.Start, day.End)
	if err != nil {
		return models.WaitingEntry{}, false, translate(err)
	}
	if len(entries) == 0 {
		return models.WaitingEntry{}, false, nil
	}
	for _, entry := range entries {
		if entry.Status.Active() {
			return entry, true, nil
		}
	}
	return entries[0], true, nil
}
