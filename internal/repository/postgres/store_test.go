package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/repository"
	"cardpilot.io/notifier/internal/repository/repotest"
	"cardpilot.io/notifier/internal/testutil"
)

func TestStore(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.Store {
		pool := testutil.OpenPGXPool(t, "notifier_store")
		require.NoError(t, Migrate(context.Background(), pool))
		return New(pool)
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	pool := testutil.OpenPGXPool(t, "notifier_migrate")
	require.NoError(t, Migrate(context.Background(), pool))
	require.NoError(t, Migrate(context.Background(), pool))
}

func TestEventQuery(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := eventQuery(repository.EventFilter{
		UserID:  "u1",
		Channel: domain.ChannelPush,
		Actions: []domain.Action{domain.ActionSent, domain.ActionFailed},
		From:    from,
		Limit:   50,
	})

	assert.Contains(t, query, `FROM "history_events"`)
	assert.Contains(t, query, `"user_id" = $1`)
	assert.Contains(t, query, `"channel" = $2`)
	assert.Contains(t, query, `"action" IN (`)
	assert.Contains(t, query, `"occurred_at" >= $5`)
	assert.Contains(t, query, "LIMIT 50")
	assert.Equal(t, []any{"u1", "push", "sent", "failed", from}, args)
}

func TestEventQuery_NoFilter(t *testing.T) {
	query, args := eventQuery(repository.EventFilter{})
	assert.NotContains(t, query, "WHERE")
	assert.Empty(t, args)
}
