package waiting

import (
	"context"
	"math"
	"strings"

	"waitq/waiting-service/internal/models"
)

type TypeStats struct {
	WaitingTypeID    string `json:"waiting_type_id"`
	Name             string `json:"name"`
	IsActive         bool   `json:"is_active"`
	Count            int    `json:"count"`
	PartySize        int    `json:"party_size"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

type LiveStats struct {
	TotalWaiting     int         `json:"total_waiting"`
	TotalPartySize   int         `json:"total_party_size"`
	EstimatedMinutes int         `json:"estimated_minutes"`
	ByType           []TypeStats `json:"by_type"`
}

// LiveStats summarizes the active queue. Inactive types are listed only while they still
// hold active entries.
func (s *Service) LiveStats(ctx context.Context, storeID string) (LiveStats, error) {
	ctx, span := tracer.Start(ctx, "waiting.live_stats")
	defer span.End()

	waitingTypes, err := s.store.ListWaitingTypes(ctx, storeID)
	if err != nil {
		return LiveStats{}, translate(err)
	}
	active, err := s.store.ListActive(ctx, storeID, "")
	if err != nil {
		return LiveStats{}, translate(err)
	}

	counts := make(map[string]*TypeStats, len(waitingTypes))
	for _, entry := range active {
		ts, ok := counts[entry.WaitingTypeID]
		if !ok {
			ts = &TypeStats{WaitingTypeID: entry.WaitingTypeID}
			counts[entry.WaitingTypeID] = ts
		}
		ts.Count++
		ts.PartySize += entry.PartySize
	}

	stats := LiveStats{ByType: []TypeStats{}}
	for _, t := range waitingTypes {
		ts := TypeStats{WaitingTypeID: t.ID}
		if counted, ok := counts[t.ID]; ok {
			ts = *counted
			delete(counts, t.ID)
		}
		if !t.IsActive && ts.Count == 0 {
			continue
		}
		ts.Name = t.Name
		ts.IsActive = t.IsActive
		ts.EstimatedMinutes = ts.Count * t.AvgWaitTimePerTeam
		stats.ByType = append(stats.ByType, ts)
	}

	for _, entry := range active {
		stats.TotalWaiting++
		stats.TotalPartySize += entry.PartySize
	}
	for _, ts := range stats.ByType {
		if ts.EstimatedMinutes > stats.EstimatedMinutes {
			stats.EstimatedMinutes = ts.EstimatedMinutes
		}
	}
	return stats, nil
}

type DailyStats struct {
	Date            string  `json:"date"`
	TotalRegistered int     `json:"total_registered"`
	TotalWaiting    int     `json:"total_waiting"`
	TotalSeated     int     `json:"total_seated"`
	TotalCancelled  int     `json:"total_cancelled"`
	TotalNoShow     int     `json:"total_no_show"`
	AvgWaitSeconds  float64 `json:"avg_wait_seconds"`
	AvgWaitMinutes  int     `json:"avg_wait_minutes"`
}

// DailyStats rolls up the entries created on one store-local day. A blank date means
// today.
func (s *Service) DailyStats(ctx context.Context, storeID, date string) (DailyStats, error) {
	day := dayOf(s.now(), s.location)
	if strings.TrimSpace(date) != "" {
		parsed, ok := parseDay(date, s.location)
		if !ok {
			return DailyStats{}, validationError("date must be YYYY-MM-DD")
		}
		day = parsed
	}

	entries, err := s.store.ListCreatedBetween(ctx, storeID, day.Start, day.End)
	if err != nil {
		return DailyStats{}, translate(err)
	}
	return summarizeDay(day.Date, entries), nil
}

func summarizeDay(date string, entries []models.WaitingEntry) DailyStats {
	stats := DailyStats{Date: date, TotalRegistered: len(entries)}
	var waited float64
	for _, entry := range entries {
		switch entry.Status {
		case models.StatusWaiting, models.StatusCalled:
			stats.TotalWaiting++
		case models.StatusSeated:
			stats.TotalSeated++
			if entry.SeatedAt != nil {
				waited += entry.SeatedAt.Sub(entry.CreatedAt).Seconds()
			}
		case models.StatusCancelled:
			stats.TotalCancelled++
		case models.StatusNoShow:
			stats.TotalNoShow++
		}
	}
	if stats.TotalSeated > 0 {
		stats.AvgWaitSeconds = waited / float64(stats.TotalSeated)
		stats.AvgWaitMinutes = int(math.Round(stats.AvgWaitSeconds / 60))
	}
	return stats
}

type PublicInfo struct {
	StoreID           string                 `json:"store_id"`
	OperationStatus   models.OperationStatus `json:"operation_status"`
	WaitingNote       string                 `json:"waiting_note,omitempty"`
	WaitingCallNote   string                 `json:"waiting_call_note,omitempty"`
	PauseMessage      string                 `json:"pause_message,omitempty"`
	ShowEstimatedTime bool                   `json:"show_estimated_time"`
	TotalWaiting      int                    `json:"total_waiting"`
	Types             []TypeStats            `json:"types"`
}

// PublicInfo is what the kiosk shows before registration: open types with their live
// counts and the store's notes.
func (s *Service) PublicInfo(ctx context.Context, storeID string) (PublicInfo, error) {
	setting, err := s.settingFor(ctx, storeID)
	if err != nil {
		return PublicInfo{}, err
	}
	status := setting.OperationStatus
	if s.operationStatus != nil {
		if status, err = s.operationStatus.OperationStatus(ctx, storeID); err != nil {
			return PublicInfo{}, translate(err)
		}
	}
	live, err := s.LiveStats(ctx, storeID)
	if err != nil {
		return PublicInfo{}, err
	}

	info := PublicInfo{
		StoreID:           storeID,
		OperationStatus:   status,
		WaitingNote:       setting.WaitingNote,
		WaitingCallNote:   setting.WaitingCallNote,
		ShowEstimatedTime: setting.ShowEstimatedTime,
		TotalWaiting:      live.TotalWaiting,
		Types:             []TypeStats{},
	}
	if status == models.OperationPaused {
		info.PauseMessage = setting.PauseMessage
	}
	for _, ts := range live.ByType {
		if !ts.IsActive {
			continue
		}
		if !setting.ShowEstimatedTime {
			ts.EstimatedMinutes = 0
		}
		info.Types = append(info.Types, ts)
	}
	return info, nil
}
