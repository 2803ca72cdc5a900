package waiting

import (
	"time"

	"waitq/waiting-service/internal/models"
)

// A step computes the next state of an entry from the state just read. Steps are pure;
// the service applies their result through the store's guarded write.
type step func(current models.WaitingEntry, now time.Time) (models.WaitingEntry, error)

func callStep(setting models.WaitingSetting) step {
	return func(current models.WaitingEntry, now time.Time) (models.WaitingEntry, error) {
		next := current
		calledAt := now
		expire := now.Add(time.Duration(setting.CallTimeoutMinutes) * time.Minute)
		next.Status = models.StatusCalled
		next.CalledAt = &calledAt
		next.CallExpireAt = &expire
		next.CalledCount = 1
		return next, nil
	}
}

func recallStep(setting models.WaitingSetting) step {
	return func(current models.WaitingEntry, now time.Time) (models.WaitingEntry, error) {
		if current.CalledCount >= setting.MaxCallCount {
			return models.WaitingEntry{}, conflictError("maximum call count of %d reached", setting.MaxCallCount)
		}
		next := current
		expire := now.Add(time.Duration(setting.CallTimeoutMinutes) * time.Minute)
		next.CalledCount = current.CalledCount + 1
		next.CallExpireAt = &expire
		return next, nil
	}
}

func seatStep(customerID *string) step {
	return func(current models.WaitingEntry, now time.Time) (models.WaitingEntry, error) {
		next := current
		seatedAt := now
		next.Status = models.StatusSeated
		next.SeatedAt = &seatedAt
		next.CallExpireAt = nil
		if next.CustomerID == nil && customerID != nil {
			next.CustomerID = customerID
		}
		return next, nil
	}
}

func cancelStep(reason models.CancelReason) step {
	return func(current models.WaitingEntry, now time.Time) (models.WaitingEntry, error) {
		next := current
		cancelledAt := now
		next.Status = reason.TerminalStatus()
		next.CancelledAt = &cancelledAt
		next.CancelReason = reason
		next.CallExpireAt = nil
		return next, nil
	}
}

// autoCancelStep re-checks expiry on the fresh read, so a recall that landed after the
// sweeper's scan wins.
func autoCancelStep(current models.WaitingEntry, now time.Time) (models.WaitingEntry, error) {
	if current.CallExpireAt == nil || current.CallExpireAt.After(now) {
		return models.WaitingEntry{}, conflictError("call has not expired")
	}
	return cancelStep(models.CancelAutoCancelled)(current, now)
}

func deferStep(peers []models.WaitingEntry) step {
	return func(current models.WaitingEntry, now time.Time) (models.WaitingEntry, error) {
		next := current
		next.OrderedAt = backOfQueue(peers, current.ID, now)
		next.Deferred = true
		return next, nil
	}
}

func restoreStep(peers []models.WaitingEntry, window time.Duration) step {
	return func(current models.WaitingEntry, now time.Time) (models.WaitingEntry, error) {
		if completed := current.CompletedAt(); window > 0 && completed != nil && now.Sub(*completed) > window {
			return models.WaitingEntry{}, conflictError("entries can only be restored within %s", window)
		}
		next := current
		next.Status = models.StatusWaiting
		next.CancelledAt = nil
		next.CancelReason = ""
		next.CalledAt = nil
		next.CallExpireAt = nil
		next.CalledCount = 0
		next.Deferred = false
		next.OrderedAt = backOfQueue(peers, current.ID, now)
		return next, nil
	}
}

// backOfQueue returns an ordering key strictly after every WAITING peer other than self.
func backOfQueue(peers []models.WaitingEntry, selfID string, now time.Time) time.Time {
	key := now
	for _, peer := range peers {
		if peer.ID == selfID || peer.Status != models.StatusWaiting {
			continue
		}
		if !peer.OrderedAt.Before(key) {
			key = peer.OrderedAt.Add(time.Microsecond)
		}
	}
	return key
}
