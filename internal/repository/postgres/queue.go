package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/repository"
)

const entryColumns = `q.id, q.notification_id, q.user_id, q.channel, q.priority, q.scheduled_at,
	q.attempts, q.max_attempts, q.last_attempt_at, q.status, q.last_error,
	q.lease_owner, q.lease_expires_at, q.cancel_requested, q.created_at, q.updated_at`

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification, entries []*domain.DeliveryEntry, created *domain.HistoryEvent) error {
	payload, err := json.Marshal(nonNilMap(n.Payload))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO notifications (id, user_id, category, title, message, payload, priority, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			n.ID, n.UserID, string(n.Category), n.Title, n.Message, payload,
			int16(n.Priority), n.CreatedAt, n.ExpiresAt,
		)
		if err != nil {
			return mapErr(err, "insert notification")
		}
		if err := insertEntries(ctx, tx, entries); err != nil {
			return err
		}
		if created != nil {
			if err := appendEvent(ctx, tx, created); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetNotification(ctx context.Context, id string) (*domain.Notification, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, category, title, message, payload, priority, created_at, expires_at
		FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err != nil {
		return nil, mapErr(err, "get notification "+id)
	}
	return n, nil
}

func (s *Store) InsertEntries(ctx context.Context, entries []*domain.DeliveryEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return insertEntries(ctx, tx, entries)
	})
}

func insertEntries(ctx context.Context, tx pgx.Tx, entries []*domain.DeliveryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO delivery_queue (id, notification_id, user_id, channel, priority, scheduled_at,
				attempts, max_attempts, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			e.ID, e.NotificationID, e.UserID, string(e.Channel), int16(e.Priority), e.ScheduledAt,
			e.Attempts, e.MaxAttempts, string(e.Status), e.CreatedAt, e.UpdatedAt,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return mapErr(err, "insert delivery entry")
		}
	}
	return br.Close()
}

// ClaimDue locks due rows with SKIP LOCKED so concurrent workers never claim
// the same entry, then stamps the lease in the same statement.
func (s *Store) ClaimDue(ctx context.Context, workerID string, now time.Time, lease time.Duration, limit int) ([]*domain.DeliveryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM delivery_queue
			WHERE (status = 'pending' AND scheduled_at <= $1)
			   OR (status = 'processing' AND lease_expires_at <= $1)
			ORDER BY priority DESC, scheduled_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE delivery_queue q
		SET status = 'processing', lease_owner = $3, lease_expires_at = $4, updated_at = $1
		FROM due
		WHERE q.id = due.id
		RETURNING `+entryColumns,
		now, limit, workerID, now.Add(lease),
	)
	if err != nil {
		return nil, fmt.Errorf("claim due entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("claim due entries: %w", err)
	}
	// RETURNING does not preserve the CTE order.
	sort.Slice(entries, func(i, j int) bool { return domain.DeliveryOrder(entries[i], entries[j]) })
	return entries, nil
}

func (s *Store) Resolve(ctx context.Context, r domain.Resolution) (domain.DeliveryStatus, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	var scheduledAt *time.Time
	if r.Status == domain.StatusPending {
		scheduledAt = &r.ScheduledAt
	}

	var status string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE delivery_queue SET
				status = CASE WHEN $2::text = 'pending' AND cancel_requested THEN 'cancelled' ELSE $2::text END,
				last_error = CASE WHEN $2::text = 'pending' AND cancel_requested THEN 'cancelled' ELSE $3::text END,
				attempts = $4,
				last_attempt_at = COALESCE($5, last_attempt_at),
				scheduled_at = COALESCE($6, scheduled_at),
				lease_owner = '',
				lease_expires_at = NULL,
				updated_at = $7
			WHERE id = $1 AND status = 'processing' AND lease_owner = $8
			RETURNING status`,
			r.EntryID, string(r.Status), r.LastError, r.Attempts, r.AttemptedAt, scheduledAt, r.At, r.WorkerID,
		).Scan(&status)
		if err != nil {
			return err
		}
		if r.Event != nil {
			return appendEvent(ctx, tx, r.Event)
		}
		return nil
	})
	if err == nil {
		return domain.DeliveryStatus(status), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("resolve entry %s: %w", r.EntryID, err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM delivery_queue WHERE id = $1)`, r.EntryID).Scan(&exists); err != nil {
		return "", fmt.Errorf("resolve entry %s: %w", r.EntryID, err)
	}
	if !exists {
		return "", fmt.Errorf("entry %s: %w", r.EntryID, repository.ErrNotFound)
	}
	return "", fmt.Errorf("entry %s: %w", r.EntryID, repository.ErrLeaseLost)
}

func (s *Store) CancelNotification(ctx context.Context, notificationID string, now time.Time) (int, error) {
	var affected int
	err := s.pool.QueryRow(ctx, `
		WITH cancelled AS (
			UPDATE delivery_queue SET status = 'cancelled', last_error = 'cancelled', updated_at = $2
			WHERE notification_id = $1 AND status = 'pending'
			RETURNING id
		), flagged AS (
			UPDATE delivery_queue SET cancel_requested = TRUE, updated_at = $2
			WHERE notification_id = $1 AND status = 'processing' AND NOT cancel_requested
			RETURNING id
		)
		SELECT (SELECT count(*) FROM cancelled) + (SELECT count(*) FROM flagged)`,
		notificationID, now,
	).Scan(&affected)
	if err != nil {
		return 0, fmt.Errorf("cancel notification %s: %w", notificationID, err)
	}
	return affected, nil
}

func (s *Store) ListEntries(ctx context.Context, notificationID string) ([]*domain.DeliveryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM delivery_queue q
		WHERE q.notification_id = $1
		ORDER BY q.created_at, q.id`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *Store) ExpirePending(ctx context.Context, now time.Time, limit int) ([]*domain.DeliveryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		WITH expired AS (
			SELECT q.id FROM delivery_queue q
			JOIN notifications n ON n.id = q.notification_id
			WHERE q.status = 'pending' AND n.expires_at IS NOT NULL AND n.expires_at <= $1
			ORDER BY q.scheduled_at
			LIMIT $2
			FOR UPDATE OF q SKIP LOCKED
		)
		UPDATE delivery_queue q
		SET status = 'failed', last_error = 'expired', updated_at = $1
		FROM expired
		WHERE q.id = expired.id
		RETURNING `+entryColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("expire pending entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.DeliveryStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM delivery_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.DeliveryStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.DeliveryStatus(status)] = n
	}
	return out, rows.Err()
}

func collectEntries(rows pgx.Rows) ([]*domain.DeliveryEntry, error) {
	defer rows.Close()
	var out []*domain.DeliveryEntry
	for rows.Next() {
		var (
			e                        domain.DeliveryEntry
			channel, status, lastErr string
			priority                 int16
		)
		if err := rows.Scan(
			&e.ID, &e.NotificationID, &e.UserID, &channel, &priority, &e.ScheduledAt,
			&e.Attempts, &e.MaxAttempts, &e.LastAttemptAt, &status, &lastErr,
			&e.LeaseOwner, &e.LeaseExpiresAt, &e.CancelRequested, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		e.Channel = domain.Channel(channel)
		e.Priority = domain.Priority(priority)
		e.Status = domain.DeliveryStatus(status)
		e.LastError = lastErr
		out = append(out, &e)
	}
	return out, rows.Err()
}

func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var (
		n        domain.Notification
		category string
		payload  []byte
		priority int16
	)
	if err := row.Scan(&n.ID, &n.UserID, &category, &n.Title, &n.Message, &payload,
		&priority, &n.CreatedAt, &n.ExpiresAt); err != nil {
		return nil, err
	}
	n.Category = domain.Category(category)
	n.Priority = domain.Priority(priority)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	return &n, nil
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
