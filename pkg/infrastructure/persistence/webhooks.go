package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianlab/wabridge/pkg/domain"
)

// ListSubscriptions returns every webhook subscription, active or not. The
// dispatcher filters on Active; the API lists everything.
func (s *Store) ListSubscriptions(ctx context.Context) ([]domain.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, secret, event_filter, active, created_at, updated_at
		FROM webhooks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var subs []domain.WebhookSubscription
	for rows.Next() {
		var sub domain.WebhookSubscription
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.EventFilter,
			&sub.Active, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("list webhooks: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetSubscription reads one subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, url, secret, event_filter, active, created_at, updated_at
		FROM webhooks WHERE id = ?`, id)
	var sub domain.WebhookSubscription
	err := row.Scan(&sub.ID, &sub.URL, &sub.Secret, &sub.EventFilter,
		&sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return &sub, nil
}

// CreateSubscription inserts a new subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub domain.WebhookSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, url, secret, event_filter, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.URL, sub.Secret, sub.EventFilter, sub.Active, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// UpdateSubscription replaces the mutable fields of a subscription.
func (s *Store) UpdateSubscription(ctx context.Context, sub domain.WebhookSubscription) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhooks SET url = ?, secret = ?, event_filter = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		sub.URL, sub.Secret, sub.EventFilter, sub.Active, time.Now().UTC(), sub.ID)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
