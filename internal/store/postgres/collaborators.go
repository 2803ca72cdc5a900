package postgres

import (
	"context"
	"errors"

	"waitq/waiting-service/internal/models"

	"github.com/jackc/pgx/v5"
)

// OperationStatus reads the store's open/paused/closed state. A store that never saved
// settings is treated as closed to self-service registration.
func (s *Store) OperationStatus(ctx context.Context, storeID string) (models.OperationStatus, error) {
	var status models.OperationStatus
	row := s.pool.QueryRow(ctx, `SELECT operation_status FROM waiting_settings WHERE store_id = $1`, storeID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.OperationClosed, nil
		}
		return "", err
	}
	return status, nil
}

func (s *Store) ResolveCustomer(ctx context.Context, storeID, phone string) (string, bool, error) {
	var customerID string
	row := s.pool.QueryRow(ctx, `SELECT customer_id FROM customers WHERE store_id = $1 AND phone = $2`, storeID, phone)
	if err := row.Scan(&customerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return customerID, true, nil
}
