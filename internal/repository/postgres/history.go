package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/jackc/pgx/v5"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/repository"
)

const insertEventSQL = `
	INSERT INTO history_events (id, notification_id, user_id, category, channel, action, occurred_at, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (s *Store) AppendEvent(ctx context.Context, e *domain.HistoryEvent) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return appendEvent(ctx, tx, e)
	})
}

func appendEvent(ctx context.Context, tx pgx.Tx, e *domain.HistoryEvent) error {
	meta, err := json.Marshal(nonNilMap(e.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = tx.Exec(ctx, insertEventSQL,
		e.ID, e.NotificationID, e.UserID, string(e.Category), string(e.Channel),
		string(e.Action), e.OccurredAt, meta,
	)
	return mapErr(err, "append history event")
}

// AppendEventOnce relies on the partial unique index over
// (notification_id, action) for idempotent actions.
func (s *Store) AppendEventOnce(ctx context.Context, e *domain.HistoryEvent) (bool, error) {
	meta, err := json.Marshal(nonNilMap(e.Metadata))
	if err != nil {
		return false, fmt.Errorf("encode metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, insertEventSQL+` ON CONFLICT DO NOTHING`,
		e.ID, e.NotificationID, e.UserID, string(e.Category), string(e.Channel),
		string(e.Action), e.OccurredAt, meta,
	)
	if err != nil {
		return false, fmt.Errorf("append history event once: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListEvents builds the filter dynamically with the ent SQL builder.
func (s *Store) ListEvents(ctx context.Context, f repository.EventFilter) ([]*domain.HistoryEvent, error) {
	query, args := eventQuery(f)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history events: %w", err)
	}
	defer rows.Close()

	var out []*domain.HistoryEvent
	for rows.Next() {
		var (
			e                         domain.HistoryEvent
			category, channel, action string
			meta                      []byte
		)
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.UserID, &category, &channel,
			&action, &e.OccurredAt, &meta); err != nil {
			return nil, fmt.Errorf("scan history event: %w", err)
		}
		e.Category = domain.Category(category)
		e.Channel = domain.Channel(channel)
		e.Action = domain.Action(action)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func eventQuery(f repository.EventFilter) (string, []any) {
	sel := entsql.Dialect(dialect.Postgres).
		Select("id", "notification_id", "user_id", "category", "channel", "action", "occurred_at", "metadata").
		From(entsql.Table("history_events"))

	var preds []*entsql.Predicate
	if f.UserID != "" {
		preds = append(preds, entsql.EQ("user_id", f.UserID))
	}
	if f.NotificationID != "" {
		preds = append(preds, entsql.EQ("notification_id", f.NotificationID))
	}
	if f.Category != "" {
		preds = append(preds, entsql.EQ("category", string(f.Category)))
	}
	if f.Channel != "" {
		preds = append(preds, entsql.EQ("channel", string(f.Channel)))
	}
	if len(f.Actions) > 0 {
		actions := make([]any, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		preds = append(preds, entsql.In("action", actions...))
	}
	if !f.From.IsZero() {
		preds = append(preds, entsql.GTE("occurred_at", f.From))
	}
	if !f.To.IsZero() {
		preds = append(preds, entsql.LT("occurred_at", f.To))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}

	sel.OrderBy("occurred_at", "id")
	if f.Limit > 0 {
		sel.Limit(f.Limit)
	}
	return sel.Query()
}

func (s *Store) GetAssignment(ctx context.Context, experimentID, userID string) (*domain.Assignment, error) {
	var a domain.Assignment
	err := s.pool.QueryRow(ctx, `
		SELECT experiment_id, user_id, variant, assigned_at
		FROM experiment_assignments WHERE experiment_id = $1 AND user_id = $2`,
		experimentID, userID,
	).Scan(&a.ExperimentID, &a.UserID, &a.Variant, &a.AssignedAt)
	if err != nil {
		return nil, mapErr(err, "get assignment")
	}
	return &a, nil
}

// InsertAssignmentIfAbsent returns the winning row when two instances race
// on the first assignment.
func (s *Store) InsertAssignmentIfAbsent(ctx context.Context, a *domain.Assignment) (*domain.Assignment, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO experiment_assignments (experiment_id, user_id, variant, assigned_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (experiment_id, user_id) DO NOTHING`,
		a.ExperimentID, a.UserID, a.Variant, a.AssignedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert assignment: %w", err)
	}
	return s.GetAssignment(ctx, a.ExperimentID, a.UserID)
}
