package waiting

import (
	"sort"

	"waitq/waiting-service/internal/models"
)

// Placement is an entry's derived place in its waiting type's queue. Position counts
// every active entry, CALLED first; WaitingPosition counts WAITING entries only and is
// zero for a CALLED entry.
type Placement struct {
	Position         int `json:"position"`
	WaitingPosition  int `json:"waiting_position"`
	EstimatedMinutes int `json:"estimated_minutes"`
}

func statusRank(status models.Status) int {
	if status == models.StatusCalled {
		return 0
	}
	return 1
}

// QueueOrder returns the active entries in queue order without modifying the input.
func QueueOrder(entries []models.WaitingEntry) []models.WaitingEntry {
	ordered := make([]models.WaitingEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Status.Active() {
			ordered = append(ordered, entry)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if statusRank(a.Status) != statusRank(b.Status) {
			return statusRank(a.Status) < statusRank(b.Status)
		}
		if !a.OrderedAt.Equal(b.OrderedAt) {
			return a.OrderedAt.Before(b.OrderedAt)
		}
		if a.WaitingNumber != b.WaitingNumber {
			return a.WaitingNumber < b.WaitingNumber
		}
		return a.ID < b.ID
	})
	return ordered
}

// Positions places every active entry within its own waiting type. avgByType maps a
// waiting type id to its minutes per team.
func Positions(entries []models.WaitingEntry, avgByType map[string]int) map[string]Placement {
	byType := make(map[string][]models.WaitingEntry)
	for _, entry := range entries {
		byType[entry.WaitingTypeID] = append(byType[entry.WaitingTypeID], entry)
	}

	placements := make(map[string]Placement, len(entries))
	for typeID, group := range byType {
		waiting := 0
		for i, entry := range QueueOrder(group) {
			p := Placement{Position: i + 1}
			if entry.Status == models.StatusWaiting {
				waiting++
				p.WaitingPosition = waiting
			}
			p.EstimatedMinutes = p.Position * avgByType[typeID]
			placements[entry.ID] = p
		}
	}
	return placements
}
