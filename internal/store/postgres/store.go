package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"waitq/waiting-service/internal/models"
	"waitq/waiting-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultListLimit = 50

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func entryColumns(prefix string) string {
	columns := []string{
		"entry_id", "store_id", "waiting_type_id", "customer_id", "phone", "name", "party_size",
		"status", "waiting_number", "business_date", "source", "consent_marketing", "memo",
		"created_at", "ordered_at", "called_at", "call_expire_at", "called_count", "seated_at",
		"cancelled_at", "cancel_reason", "deferred", "version",
	}
	for i, column := range columns {
		if column == "business_date" {
			columns[i] = "to_char(" + prefix + column + ", 'YYYY-MM-DD')"
			continue
		}
		columns[i] = prefix + column
	}
	return strings.Join(columns, ", ")
}

func (s *Store) CreateEntry(ctx context.Context, input store.CreateEntryInput) (models.WaitingEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WaitingEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	entry := input.Entry
	if err = admit(ctx, tx, entry, input.MaxActive, input.RejectDuplicatePhone); err != nil {
		return models.WaitingEntry{}, err
	}

	number, err := nextWaitingNumber(ctx, tx, entry.StoreID, entry.BusinessDate)
	if err != nil {
		return models.WaitingEntry{}, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO waiting_entries (
			entry_id, store_id, waiting_type_id, customer_id, phone, name, party_size, status,
			waiting_number, business_date, source, consent_marketing, memo, created_at, ordered_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::date,$11,$12,$13,$14,$15)
		RETURNING `+entryColumns(""), entry.ID, entry.StoreID, entry.WaitingTypeID, nullStringValue(entry.CustomerID),
		nullIfEmpty(entry.Phone), nullIfEmpty(entry.Name), entry.PartySize, models.StatusWaiting, number,
		entry.BusinessDate, entry.Source, entry.ConsentMarketing, entry.Memo, entry.CreatedAt, entry.OrderedAt)
	created, err := scanEntry(row)
	if err != nil {
		return models.WaitingEntry{}, err
	}

	if err = insertEntryEvent(ctx, tx, created, store.ActionRegister, created.CreatedAt); err != nil {
		return models.WaitingEntry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.WaitingEntry{}, err
	}
	return created, nil
}

func (s *Store) GetEntry(ctx context.Context, storeID, entryID string) (models.WaitingEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns("")+`
		FROM waiting_entries
		WHERE entry_id = $1 AND store_id = $2
	`, entryID, storeID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WaitingEntry{}, store.ErrEntryNotFound
		}
		return models.WaitingEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListActive(ctx context.Context, storeID, waitingTypeID string) ([]models.WaitingEntry, error) {
	entries, _, err := s.ListEntries(ctx, store.ListFilter{
		StoreID:       storeID,
		WaitingTypeID: waitingTypeID,
		Statuses:      []models.Status{models.StatusWaiting, models.StatusCalled},
		Limit:         -1,
	})
	return entries, err
}

// ListEntries returns one page in dashboard order and the total number of matches.
// A negative Limit returns every match.
func (s *Store) ListEntries(ctx context.Context, filter store.ListFilter) ([]models.WaitingEntry, int, error) {
	where := []string{"store_id = $1"}
	args := []interface{}{filter.StoreID}
	argPos := 2

	if filter.WaitingTypeID != "" {
		where = append(where, fmt.Sprintf("waiting_type_id = $%d", argPos))
		args = append(args, filter.WaitingTypeID)
		argPos++
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		where = append(where, fmt.Sprintf("status = ANY($%d)", argPos))
		args = append(args, statuses)
		argPos++
	}
	if !filter.CreatedFrom.IsZero() {
		where = append(where, fmt.Sprintf("created_at >= $%d", argPos))
		args = append(args, filter.CreatedFrom)
		argPos++
	}
	if !filter.CreatedTo.IsZero() {
		where = append(where, fmt.Sprintf("created_at < $%d", argPos))
		args = append(args, filter.CreatedTo)
		argPos++
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM waiting_entries WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + entryColumns("") + `
		FROM waiting_entries
		WHERE ` + clause + `
		ORDER BY CASE status
			WHEN 'CALLED' THEN 0
			WHEN 'WAITING' THEN 1
			WHEN 'SEATED' THEN 2
			WHEN 'CANCELLED' THEN 3
			ELSE 4
		END, ordered_at ASC, waiting_number ASC, entry_id ASC`
	if filter.Limit >= 0 {
		limit := filter.Limit
		if limit == 0 {
			limit = defaultListLimit
		}
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1)
		args = append(args, limit, filter.Offset)
	}

	entries, err := s.queryEntries(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Store) ListCreatedBetween(ctx context.Context, storeID string, from, to time.Time) ([]models.WaitingEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns("")+`
		FROM waiting_entries
		WHERE store_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC
	`, storeID, from, to)
}

func (s *Store) FindByPhone(ctx context.Context, storeID, phone string, from, to time.Time) ([]models.WaitingEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+entryColumns("")+`
		FROM waiting_entries
		WHERE store_id = $1 AND phone = $2 AND created_at >= $3 AND created_at < $4
		ORDER BY created_at DESC
	`, storeID, phone, from, to)
}

func (s *Store) ApplyTransition(ctx context.Context, input store.TransitionInput) (models.WaitingEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.WaitingEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	next := input.Next
	current := input.Current

	if input.Reactivates() {
		if err = admit(ctx, tx, current, input.MaxActive, input.RejectDuplicatePhone); err != nil {
			return models.WaitingEntry{}, err
		}
	}

	row := tx.QueryRow(ctx, `
		UPDATE waiting_entries
		SET status = $1,
			customer_id = $2,
			ordered_at = $3,
			called_at = $4,
			call_expire_at = $5,
			called_count = $6,
			seated_at = $7,
			cancelled_at = $8,
			cancel_reason = $9,
			deferred = $10,
			version = version + 1,
			updated_at = $11
		WHERE entry_id = $12 AND store_id = $13 AND status = $14 AND version = $15
		RETURNING `+entryColumns(""),
		next.Status, nullStringValue(next.CustomerID), next.OrderedAt, next.CalledAt, next.CallExpireAt,
		next.CalledCount, next.SeatedAt, next.CancelledAt, nullIfEmpty(string(next.CancelReason)), next.Deferred,
		occurredAt, current.ID, current.StoreID, current.Status, current.Version)
	updated, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			exists, loadErr := entryExists(ctx, tx, current.ID, current.StoreID)
			if loadErr != nil {
				err = loadErr
				return models.WaitingEntry{}, err
			}
			if !exists {
				return models.WaitingEntry{}, store.ErrEntryNotFound
			}
			return models.WaitingEntry{}, store.ErrGuardFailed
		}
		return models.WaitingEntry{}, err
	}

	if err = insertEntryEvent(ctx, tx, updated, input.Action, occurredAt); err != nil {
		return models.WaitingEntry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.WaitingEntry{}, err
	}
	return updated, nil
}

func (s *Store) UpdateMemo(ctx context.Context, storeID, entryID, memo string, at time.Time) (models.WaitingEntry, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE waiting_entries
		SET memo = $1, updated_at = $2
		WHERE entry_id = $3 AND store_id = $4
		RETURNING `+entryColumns(""), memo, at, entryID, storeID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WaitingEntry{}, store.ErrEntryNotFound
		}
		return models.WaitingEntry{}, err
	}
	return entry, nil
}

// ListExpiredCalls does not lock rows; each cancellation is guarded by ApplyTransition.
func (s *Store) ListExpiredCalls(ctx context.Context, now time.Time, limit int) ([]models.WaitingEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryEntries(ctx, `
		SELECT `+entryColumns("e.")+`
		FROM waiting_entries e
		LEFT JOIN waiting_settings ws ON ws.store_id = e.store_id
		WHERE e.status = 'CALLED' AND e.call_expire_at <= $1 AND COALESCE(ws.auto_cancel, TRUE)
		ORDER BY e.call_expire_at ASC
		LIMIT $2
	`, now, limit)
}

func (s *Store) ListEntryEvents(ctx context.Context, storeID, entryID string) ([]store.EntryEvent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	exists, err := entryExists(ctx, tx, entryID, storeID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrEntryNotFound
	}

	rows, err := tx.Query(ctx, `
		SELECT entry_id, entry_seq, type, payload::text, created_at, prev_hash, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq ASC
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.EntryEvent
	for rows.Next() {
		var event store.EntryEvent
		var payload string
		if err := rows.Scan(&event.EntryID, &event.EntrySeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = []byte(payload)
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) GetWaitingType(ctx context.Context, storeID, waitingTypeID string) (models.WaitingType, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT waiting_type_id, store_id, name, description, avg_wait_time_per_team,
			min_party_size, max_party_size, is_active, sort_order
		FROM waiting_types
		WHERE waiting_type_id = $1 AND store_id = $2
	`, waitingTypeID, storeID)
	var t models.WaitingType
	if err := row.Scan(&t.ID, &t.StoreID, &t.Name, &t.Description, &t.AvgWaitTimePerTeam, &t.MinPartySize, &t.MaxPartySize, &t.IsActive, &t.SortOrder); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WaitingType{}, store.ErrWaitingTypeNotFound
		}
		return models.WaitingType{}, err
	}
	return t, nil
}

func (s *Store) ListWaitingTypes(ctx context.Context, storeID string) ([]models.WaitingType, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT waiting_type_id, store_id, name, description, avg_wait_time_per_team,
			min_party_size, max_party_size, is_active, sort_order
		FROM waiting_types
		WHERE store_id = $1
		ORDER BY sort_order ASC, name ASC
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []models.WaitingType
	for rows.Next() {
		var t models.WaitingType
		if err := rows.Scan(&t.ID, &t.StoreID, &t.Name, &t.Description, &t.AvgWaitTimePerTeam, &t.MinPartySize, &t.MaxPartySize, &t.IsActive, &t.SortOrder); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (s *Store) GetSetting(ctx context.Context, storeID string) (models.WaitingSetting, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT store_id, operation_status, max_waiting_count, call_timeout_minutes, max_call_count,
			auto_cancel, show_estimated_time, waiting_note, waiting_call_note, pause_message
		FROM waiting_settings
		WHERE store_id = $1
	`, storeID)
	var setting models.WaitingSetting
	if err := row.Scan(&setting.StoreID, &setting.OperationStatus, &setting.MaxWaitingCount, &setting.CallTimeoutMinutes,
		&setting.MaxCallCount, &setting.AutoCancel, &setting.ShowEstimatedTime, &setting.WaitingNote,
		&setting.WaitingCallNote, &setting.PauseMessage); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WaitingSetting{}, store.ErrSettingNotFound
		}
		return models.WaitingSetting{}, err
	}
	return setting, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, store_id, role, expires_at
		FROM staff_sessions
		WHERE session_id = $1 AND expires_at > now()
	`, sessionID)
	var session store.Session
	if err := row.Scan(&session.SessionID, &session.UserID, &session.StoreID, &session.Role, &session.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	return session, nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...interface{}) ([]models.WaitingEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.WaitingEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(row pgx.Row) (models.WaitingEntry, error) {
	var entry models.WaitingEntry
	var customerID, phone, name, cancelReason sql.NullString
	var calledAt, callExpireAt, seatedAt, cancelledAt sql.NullTime
	if err := row.Scan(
		&entry.ID, &entry.StoreID, &entry.WaitingTypeID, &customerID, &phone, &name, &entry.PartySize,
		&entry.Status, &entry.WaitingNumber, &entry.BusinessDate, &entry.Source, &entry.ConsentMarketing, &entry.Memo,
		&entry.CreatedAt, &entry.OrderedAt, &calledAt, &callExpireAt, &entry.CalledCount, &seatedAt,
		&cancelledAt, &cancelReason, &entry.Deferred, &entry.Version,
	); err != nil {
		return models.WaitingEntry{}, err
	}
	entry.CustomerID = nullStringPtr(customerID)
	entry.Phone = phone.String
	entry.Name = name.String
	entry.CancelReason = models.CancelReason(cancelReason.String)
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.OrderedAt = entry.OrderedAt.UTC()
	entry.CalledAt = nullTimePtr(calledAt)
	entry.CallExpireAt = nullTimePtr(callExpireAt)
	entry.SeatedAt = nullTimePtr(seatedAt)
	entry.CancelledAt = nullTimePtr(cancelledAt)
	return entry, nil
}

// admit serializes admissions per store and checks capacity and the one active entry per
// phone rule. The entry itself is excluded so a restore does not count against itself.
func admit(ctx context.Context, tx pgx.Tx, entry models.WaitingEntry, maxActive int, rejectDuplicatePhone bool) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('waiting:' || $1))`, entry.StoreID); err != nil {
		return err
	}

	var active int
	if err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM waiting_entries
		WHERE store_id = $1 AND entry_id <> $2 AND status IN ('WAITING', 'CALLED')
	`, entry.StoreID, entry.ID).Scan(&active); err != nil {
		return err
	}
	if maxActive > 0 && active >= maxActive {
		return store.ErrCapacityExceeded
	}

	if rejectDuplicatePhone && entry.Phone != "" {
		var duplicate bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM waiting_entries
				WHERE store_id = $1 AND entry_id <> $2 AND phone = $3 AND business_date = $4::date
					AND status IN ('WAITING', 'CALLED')
			)
		`, entry.StoreID, entry.ID, entry.Phone, entry.BusinessDate).Scan(&duplicate); err != nil {
			return err
		}
		if duplicate {
			return store.ErrDuplicateEntry
		}
	}
	return nil
}

func nextWaitingNumber(ctx context.Context, tx pgx.Tx, storeID, businessDate string) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO waiting_sequences (store_id, business_date, next_number)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (store_id, business_date)
		DO UPDATE SET next_number = waiting_sequences.next_number + 1
		RETURNING next_number
	`, storeID, businessDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func insertEntryEvent(ctx context.Context, tx pgx.Tx, entry models.WaitingEntry, eventType string, createdAt time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.ID); err != nil {
		return err
	}

	var last *store.EntryEvent
	var seq int
	var hash string
	row := tx.QueryRow(ctx, `
		SELECT entry_seq, hash
		FROM entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
	`, entry.ID)
	switch err := row.Scan(&seq, &hash); {
	case err == nil:
		last = &store.EntryEvent{EntrySeq: seq, Hash: hash}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return err
	}

	event, err := store.NextEntryEvent(last, entry, eventType, createdAt)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4::json, $5, $6, $7)
	`, event.EntryID, event.EntrySeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func entryExists(ctx context.Context, tx pgx.Tx, entryID, storeID string) (bool, error) {
	var exists bool
	row := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM waiting_entries WHERE entry_id = $1 AND store_id = $2)
	`, entryID, storeID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullStringValue(value *string) interface{} {
	if value == nil || *value == "" {
		return nil
	}
	return *value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
