package syncq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestPushDeduplicatesByKey(t *testing.T) {
	q := Open(filepath.Join(t.TempDir(), "outbox.json"))
	for _, key := range []string{"a", "b", "a"} {
		if err := q.Push(Command{Method: "POST", Path: "/v1/withdrawals", IdempotencyKey: key}); err != nil {
			t.Fatalf("push %s: %v", key, err)
		}
	}
	got, err := q.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].IdempotencyKey != "a" || got[1].IdempotencyKey != "b" {
		t.Fatalf("unexpected queue %+v", got)
	}
	if got[0].QueuedAt.IsZero() {
		t.Fatalf("queued_at not stamped")
	}
}

func TestReplayKeepsFailures(t *testing.T) {
	q := Open(filepath.Join(t.TempDir(), "outbox.json"))
	for _, key := range []string{"ok-1", "fail", "ok-2"} {
		if err := q.Push(Command{Method: "POST", Path: "/v1/admin/investments", IdempotencyKey: key, Admin: true}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	var order []string
	replayed, failed, err := q.Replay(context.Background(), func(_ context.Context, c Command) error {
		order = append(order, c.IdempotencyKey)
		if c.IdempotencyKey == "fail" {
			return errors.New("offline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != 2 || len(failed) != 1 {
		t.Fatalf("replayed=%d failed=%v", replayed, failed)
	}
	if len(order) != 3 || order[0] != "ok-1" || order[2] != "ok-2" {
		t.Fatalf("replay order %v", order)
	}
	left, _ := q.Load()
	if len(left) != 1 || left[0].IdempotencyKey != "fail" || !left[0].Admin {
		t.Fatalf("remaining %+v", left)
	}
}

func TestReplayStopsOnCancel(t *testing.T) {
	q := Open(filepath.Join(t.TempDir(), "outbox.json"))
	for _, key := range []string{"a", "b"} {
		_ = q.Push(Command{Method: "POST", Path: "/x", IdempotencyKey: key})
	}
	ctx, cancel := context.WithCancel(context.Background())
	replayed, _, err := q.Replay(ctx, func(context.Context, Command) error {
		cancel()
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	left, _ := q.Load()
	if replayed != 1 || len(left) != 1 || left[0].IdempotencyKey != "b" {
		t.Fatalf("replayed=%d left=%+v", replayed, left)
	}
}

func TestLoadMissingFile(t *testing.T) {
	q := Open(filepath.Join(t.TempDir(), "none.json"))
	got, err := q.Load()
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v err %v", got, err)
	}
}
