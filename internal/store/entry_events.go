package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"waitq/waiting-service/internal/models"
)

var ErrBrokenChain = errors.New("entry event chain is broken")

type EntryEvent struct {
	EntryID   string          `json:"entry_id"`
	EntrySeq  int             `json:"entry_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeEntryEventHash(prevHash, entryID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// EventPayload snapshots the entry as it stands after the event.
func EventPayload(entry models.WaitingEntry) (json.RawMessage, error) {
	return json.Marshal(entry)
}

// NextEntryEvent builds the event that follows last in the chain. last is nil for the
// first event of an entry.
func NextEntryEvent(last *EntryEvent, entry models.WaitingEntry, eventType string, createdAt time.Time) (EntryEvent, error) {
	payload, err := EventPayload(entry)
	if err != nil {
		return EntryEvent{}, err
	}
	seq := 1
	prev := ""
	if last != nil {
		seq = last.EntrySeq + 1
		prev = last.Hash
	}
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	return EntryEvent{
		EntryID:   entry.ID,
		EntrySeq:  seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      ComputeEntryEventHash(prev, entry.ID, eventType, payload, createdAt, seq),
	}, nil
}

func VerifyEntryChain(events []EntryEvent) error {
	prev := ""
	for i, event := range events {
		if event.EntrySeq != i+1 || event.PrevHash != prev {
			return fmt.Errorf("%w at seq %d", ErrBrokenChain, event.EntrySeq)
		}
		want := ComputeEntryEventHash(prev, event.EntryID, event.Type, event.Payload, event.CreatedAt, event.EntrySeq)
		if want != event.Hash {
			return fmt.Errorf("%w at seq %d", ErrBrokenChain, event.EntrySeq)
		}
		prev = event.Hash
	}
	return nil
}
