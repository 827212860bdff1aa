package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed lua/commit.lua
var luaCommit string

// Redis stores each document as a hash {v, d} and keeps one lexicographic sorted
// set per collection so List can range over id prefixes.
type Redis struct {
	rdb       redis.UniversalClient
	log       *slog.Logger
	prefix    string
	scrCommit *redis.Script
}

func NewRedis(rdb redis.UniversalClient, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Redis{
		rdb:       rdb,
		log:       logger,
		prefix:    "pd",
		scrCommit: redis.NewScript(luaCommit),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// Run falls back to EVAL when the script is not cached.
		_ = r.scrCommit.Load(ctx, rdb).Err()
	}()
	return r
}

func (r *Redis) docKey(k Key) string {
	return fmt.Sprintf("%s:doc:%s:%s", r.prefix, k.Collection, k.ID)
}

func (r *Redis) indexKey(collection string) string {
	return fmt.Sprintf("%s:idx:%s", r.prefix, collection)
}

func (r *Redis) Get(ctx context.Context, key Key) (Doc, error) {
	docs, err := r.load(ctx, []Key{key})
	if err != nil {
		return Doc{Key: key}, err
	}
	d := docs[key]
	if !d.Exists() {
		return *d, ErrNotFound
	}
	return *d, nil
}

func (r *Redis) List(ctx context.Context, collection, idPrefix string) ([]Doc, error) {
	ids, err := r.rdb.ZRangeByLex(ctx, r.indexKey(collection), &redis.ZRangeBy{
		Min: "[" + idPrefix,
		Max: "[" + idPrefix + "\xff",
	}).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]Key, len(ids))
	for i, id := range ids {
		keys[i] = Key{Collection: collection, ID: id}
	}
	docs, err := r.load(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]Doc, 0, len(keys))
	for _, k := range keys {
		if d := docs[k]; d.Exists() {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (r *Redis) Update(ctx context.Context, key Key, fn func(doc *Doc) error) error {
	return updateViaBatch(ctx, r, key, fn)
}

func (r *Redis) Batch(ctx context.Context, keys []Key, fn func(docs map[Key]*Doc) error) error {
	keys, err := normalizeKeys(keys)
	if err != nil {
		return err
	}

	const maxAttempts = 16
	retryDelay := 25 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		docs, err := r.load(ctx, keys)
		if err != nil {
			return err
		}
		if err := fn(docs); err != nil {
			return err
		}
		if len(dirtyDocs(keys, docs)) == 0 {
			return nil
		}
		ok, err := r.commit(ctx, keys, docs)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		r.log.Debug("ledger batch retry", "attempt", attempt+1, "keys", len(keys))
		if err := sleepWithContext(ctx, retryDelay+rand.N(retryDelay)); err != nil {
			return err
		}
		if retryDelay < 800*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrConflict
}

func (r *Redis) load(ctx context.Context, keys []Key) (map[Key]*Doc, error) {
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HMGet(ctx, r.docKey(k), "v", "d")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, classifyRedisError(err)
	}

	docs := make(map[Key]*Doc, len(keys))
	for i, k := range keys {
		d := &Doc{Key: k}
		vals, err := cmds[i].Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, classifyRedisError(err)
		}
		if len(vals) == 2 && vals[0] != nil {
			v, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse version of %s: %w", k, err)
			}
			d.Version = v
			if body, ok := vals[1].(string); ok {
				d.Data = []byte(body)
			}
		}
		docs[k] = d
	}
	return docs, nil
}

func (r *Redis) commit(ctx context.Context, keys []Key, docs map[Key]*Doc) (bool, error) {
	n := len(keys)
	redisKeys := make([]string, 0, 2*n)
	args := make([]any, 0, 1+4*n)
	args = append(args, n)
	for _, k := range keys {
		redisKeys = append(redisKeys, r.docKey(k))
	}
	for _, k := range keys {
		redisKeys = append(redisKeys, r.indexKey(k.Collection))
		d := docs[k]
		write := "0"
		if d.Dirty() {
			write = "1"
		}
		args = append(args, strconv.FormatInt(d.Version, 10), write, string(d.Data), k.ID)
	}

	res, err := r.scrCommit.Run(ctx, r.rdb, redisKeys, args...).Int64()
	if err != nil {
		return false, classifyRedisError(err)
	}
	return res == 1, nil
}

func classifyRedisError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
