package models

import "time"

type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusCalled    Status = "CALLED"
	StatusSeated    Status = "SEATED"
	StatusCancelled Status = "CANCELLED"
	StatusNoShow    Status = "NO_SHOW"
)

// Active reports whether the entry still holds a place in the queue.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusCalled
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusCalled, StatusSeated, StatusCancelled, StatusNoShow:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, bool) {
	status := Status(raw)
	return status, status.Valid()
}

type Source string

const (
	SourceManual Source = "MANUAL"
	SourceTablet Source = "TABLET"
)

func (s Source) Valid() bool {
	return s == SourceManual || s == SourceTablet
}

type CancelReason string

const (
	CancelCustomerRequest CancelReason = "CUSTOMER_REQUEST"
	CancelStoreReason     CancelReason = "STORE_REASON"
	CancelOutOfStock      CancelReason = "OUT_OF_STOCK"
	CancelNoShow          CancelReason = "NO_SHOW"
	CancelAutoCancelled   CancelReason = "AUTO_CANCELLED"
)

func (r CancelReason) Valid() bool {
	return r.StaffSelectable() || r == CancelAutoCancelled
}

// StaffSelectable excludes AUTO_CANCELLED, which only the timeout sweeper may apply.
func (r CancelReason) StaffSelectable() bool {
	switch r {
	case CancelCustomerRequest, CancelStoreReason, CancelOutOfStock, CancelNoShow:
		return true
	default:
		return false
	}
}

// TerminalStatus is the status a cancellation with this reason ends in.
func (r CancelReason) TerminalStatus() Status {
	if r == CancelNoShow {
		return StatusNoShow
	}
	return StatusCancelled
}

type WaitingEntry struct {
	ID               string       `json:"id"`
	StoreID          string       `json:"store_id"`
	WaitingTypeID    string       `json:"waiting_type_id"`
	CustomerID       *string      `json:"customer_id,omitempty"`
	Phone            string       `json:"phone,omitempty"`
	Name             string       `json:"name,omitempty"`
	PartySize        int          `json:"party_size"`
	Status           Status       `json:"status"`
	WaitingNumber    int          `json:"waiting_number"`
	BusinessDate     string       `json:"business_date"`
	Source           Source       `json:"source"`
	ConsentMarketing bool         `json:"consent_marketing"`
	Memo             string       `json:"memo,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	OrderedAt        time.Time    `json:"ordered_at"`
	CalledAt         *time.Time   `json:"called_at,omitempty"`
	CallExpireAt     *time.Time   `json:"call_expire_at,omitempty"`
	CalledCount      int          `json:"called_count"`
	SeatedAt         *time.Time   `json:"seated_at,omitempty"`
	CancelledAt      *time.Time   `json:"cancelled_at,omitempty"`
	CancelReason     CancelReason `json:"cancel_reason,omitempty"`
	Deferred         bool         `json:"deferred"`
	Version          int64        `json:"version"`
}

// CompletedAt is when the entry left the queue, or nil while it is still active.
func (e WaitingEntry) CompletedAt() *time.Time {
	switch e.Status {
	case StatusSeated:
		return e.SeatedAt
	case StatusCancelled, StatusNoShow:
		return e.CancelledAt
	default:
		return nil
	}
}
