package models

type WaitingType struct {
	ID                 string `json:"id"`
	StoreID            string `json:"store_id"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	AvgWaitTimePerTeam int    `json:"avg_wait_time_per_team"`
	MinPartySize       int    `json:"min_party_size"`
	MaxPartySize       int    `json:"max_party_size"`
	IsActive           bool   `json:"is_active"`
	SortOrder          int    `json:"sort_order"`
}

func (t WaitingType) AcceptsPartySize(size int) bool {
	return size >= t.MinPartySize && size <= t.MaxPartySize
}
