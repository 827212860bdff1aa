// Package syncq keeps pdctl writes that could not reach the API so they can be
// replayed later. Every queued write carries its idempotency key, so a replay
// of a write the server already applied is a no-op.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Command struct {
	Method         string          `json:"method"`
	Path           string          `json:"path"`
	Body           json.RawMessage `json:"body,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	Admin          bool            `json:"admin,omitempty"`
	QueuedAt       time.Time       `json:"queued_at"`
}

// Queue is a JSON file of pending commands.
type Queue struct {
	mu   sync.Mutex
	path string
}

func Open(path string) *Queue {
	return &Queue{path: path}
}

// Default opens the queue under the user config dir.
func Default() (*Queue, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	dir = filepath.Join(dir, "pdctl")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return Open(filepath.Join(dir, "outbox.json")), nil
}

func (q *Queue) Load() ([]Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}

func (q *Queue) load() ([]Command, error) {
	raw, err := os.ReadFile(q.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(raw) == 0) {
		return []Command{}, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Command
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) save(commands []Command) error {
	raw, err := json.MarshalIndent(commands, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// Push appends cmd unless a command with the same idempotency key is already
// queued.
func (q *Queue) Push(cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	commands, err := q.load()
	if err != nil {
		return err
	}
	for _, c := range commands {
		if c.IdempotencyKey != "" && c.IdempotencyKey == cmd.IdempotencyKey {
			return nil
		}
	}
	if cmd.QueuedAt.IsZero() {
		cmd.QueuedAt = time.Now().UTC()
	}
	return q.save(append(commands, cmd))
}

// Replay sends queued commands in order. Commands send accepts are dropped;
// the rest stay queued. Replay stops early when ctx is done.
func (q *Queue) Replay(ctx context.Context, send func(context.Context, Command) error) (replayed int, failed []error, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	commands, err := q.load()
	if err != nil {
		return 0, nil, err
	}
	remaining := make([]Command, 0, len(commands))
	for i, c := range commands {
		if ctx.Err() != nil {
			remaining = append(remaining, commands[i:]...)
			break
		}
		if err := send(ctx, c); err != nil {
			failed = append(failed, err)
			remaining = append(remaining, c)
			continue
		}
		replayed++
	}
	return replayed, failed, q.save(remaining)
}
