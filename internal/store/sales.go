package store

import (
	"context"
	"fmt"

	"vending-kiosk/internal/models"
)

// RecordSales writes the lines of one purchase event and marks the event as
// processed in the same transaction. It reports false, writing nothing, when
// the event was already recorded.
func (s *Store) RecordSales(ctx context.Context, eventID, eventType string, sales []models.Sale) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to mark event processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	query := `
		INSERT INTO sales (event_id, machine_id, session_id, item_name, quantity, unit_price, purchased_at)
		VALUES (:event_id, :machine_id, :session_id, :item_name, :quantity, :unit_price, :purchased_at)`
	for i := range sales {
		if _, err := tx.NamedExecContext(ctx, query, sales[i]); err != nil {
			return false, fmt.Errorf("failed to insert sale %s: %w", sales[i].ItemName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// IsEventProcessed checks if an event was already recorded
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// ListSales returns the newest sales of a machine, at most limit rows
func (s *Store) ListSales(ctx context.Context, machineID string, limit int) ([]models.Sale, error) {
	sales := []models.Sale{}
	err := s.db.SelectContext(ctx, &sales,
		"SELECT * FROM sales WHERE machine_id = $1 ORDER BY purchased_at DESC, id DESC LIMIT $2",
		machineID, limit)
	return sales, err
}
