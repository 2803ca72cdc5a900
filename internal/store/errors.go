package store

import "errors"

var (
	ErrEntryNotFound       = errors.New("waiting entry not found")
	ErrWaitingTypeNotFound = errors.New("waiting type not found")
	ErrSettingNotFound     = errors.New("waiting setting not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrGuardFailed         = errors.New("entry changed since it was read")
	ErrCapacityExceeded    = errors.New("waiting capacity exceeded")
	ErrDuplicateEntry      = errors.New("phone already has an active waiting today")
)
