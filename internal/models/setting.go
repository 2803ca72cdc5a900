package models

type OperationStatus string

const (
	OperationAccepting OperationStatus = "ACCEPTING"
	OperationWalkIn    OperationStatus = "WALK_IN"
	OperationPaused    OperationStatus = "PAUSED"
	OperationClosed    OperationStatus = "CLOSED"
)

func (s OperationStatus) Valid() bool {
	switch s {
	case OperationAccepting, OperationWalkIn, OperationPaused, OperationClosed:
		return true
	default:
		return false
	}
}

const (
	DefaultMaxWaitingCount    = 50
	DefaultCallTimeoutMinutes = 3
	DefaultMaxCallCount       = 2
)

type WaitingSetting struct {
	StoreID            string          `json:"store_id"`
	OperationStatus    OperationStatus `json:"operation_status"`
	MaxWaitingCount    int             `json:"max_waiting_count"`
	CallTimeoutMinutes int             `json:"call_timeout_minutes"`
	MaxCallCount       int             `json:"max_call_count"`
	AutoCancel         bool            `json:"auto_cancel"`
	ShowEstimatedTime  bool            `json:"show_estimated_time"`
	WaitingNote        string          `json:"waiting_note,omitempty"`
	WaitingCallNote    string          `json:"waiting_call_note,omitempty"`
	PauseMessage       string          `json:"pause_message,omitempty"`
}

func DefaultSetting(storeID string) WaitingSetting {
	return WaitingSetting{
		StoreID:            storeID,
		OperationStatus:    OperationAccepting,
		MaxWaitingCount:    DefaultMaxWaitingCount,
		CallTimeoutMinutes: DefaultCallTimeoutMinutes,
		MaxCallCount:       DefaultMaxCallCount,
		AutoCancel:         true,
		ShowEstimatedTime:  true,
	}
}

// Normalized clamps out-of-range values back to the defaults.
func (s WaitingSetting) Normalized() WaitingSetting {
	if s.MaxWaitingCount < 1 || s.MaxWaitingCount > 999 {
		s.MaxWaitingCount = DefaultMaxWaitingCount
	}
	if s.CallTimeoutMinutes < 1 || s.CallTimeoutMinutes > 30 {
		s.CallTimeoutMinutes = DefaultCallTimeoutMinutes
	}
	if s.MaxCallCount < 1 || s.MaxCallCount > 5 {
		s.MaxCallCount = DefaultMaxCallCount
	}
	if !s.OperationStatus.Valid() {
		s.OperationStatus = OperationAccepting
	}
	return s
}
