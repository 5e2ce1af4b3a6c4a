package testutil

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
)

// OpenRedis connects to TEST_REDIS_URL and flushes the selected database on
// cleanup. Use a dedicated database index; everything in it is deleted.
func OpenRedis(t *testing.T) *redis.Client {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("TEST_REDIS_URL"))
	if raw == "" {
		t.Skip("Redis test URL not set: export TEST_REDIS_URL to run")
	}

	opts, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("parse TEST_REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() {
		_ = client.FlushDB(ctx).Err()
		_ = client.Close()
	})
	return client
}
