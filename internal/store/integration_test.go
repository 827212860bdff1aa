package store_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"profitdraw/internal/db"
	"profitdraw/internal/store"

	"github.com/redis/go-redis/v9"
)

func TestPostgresConformance(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("PROFITDRAW_TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("PROFITDRAW_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := db.Connect(ctx, url, 4)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM ledger_documents WHERE collection LIKE 'conf_%'`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	store.RunConformance(t, store.NewPostgres(pool, nil))
}

func TestRedisConformance(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("PROFITDRAW_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("PROFITDRAW_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	defer rdb.Close()
	if err := rdb.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	store.RunConformance(t, store.NewRedis(rdb, nil))
}
