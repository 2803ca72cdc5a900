package store

import "waitq/waiting-service/internal/models"

const (
	ActionRegister   = "register"
	ActionCall       = "call"
	ActionRecall     = "recall"
	ActionSeat       = "seat"
	ActionCancel     = "cancel"
	ActionAutoCancel = "auto_cancel"
	ActionDefer      = "defer"
	ActionRestore    = "restore"
	ActionMemo       = "memo"
)

var transitionMap = map[string][]models.Status{
	ActionCall:       {models.StatusWaiting},
	ActionRecall:     {models.StatusCalled},
	ActionSeat:       {models.StatusWaiting, models.StatusCalled},
	ActionCancel:     {models.StatusWaiting, models.StatusCalled},
	ActionAutoCancel: {models.StatusCalled},
	ActionDefer:      {models.StatusWaiting},
	ActionRestore:    {models.StatusCancelled, models.StatusNoShow},
}

func ValidTransition(action string, from models.Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}
