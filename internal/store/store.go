// Package store is the ledger document store. Every backend offers single-document
// atomic read-modify-write and bounded multi-document batches, but nothing wider.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// MaxBatchKeys bounds the number of distinct documents one Batch may touch.
const MaxBatchKeys = 1024

var (
	ErrNotFound      = errors.New("document not found")
	ErrBatchTooLarge = errors.New("batch exceeds document limit")
	ErrConflict      = errors.New("concurrent document update")
	ErrUnavailable   = errors.New("store unavailable")
)

type Key struct {
	Collection string
	ID         string
}

func (k Key) String() string {
	return k.Collection + "/" + k.ID
}

func K(collection string, idParts ...string) Key {
	return Key{Collection: collection, ID: strings.Join(idParts, "/")}
}

// Doc is one stored document. Version is 0 for documents that do not exist yet.
type Doc struct {
	Key     Key
	Version int64
	Data    json.RawMessage

	dirty bool
}

func (d *Doc) Exists() bool {
	return d != nil && d.Version > 0
}

func (d *Doc) Decode(out any) error {
	if !d.Exists() {
		return fmt.Errorf("%w: %s", ErrNotFound, d.Key)
	}
	if err := json.Unmarshal(d.Data, out); err != nil {
		return fmt.Errorf("decode %s: %w", d.Key, err)
	}
	return nil
}

// Encode replaces the document body; only encoded documents are written on commit.
func (d *Doc) Encode(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.Key, err)
	}
	d.Data = raw
	d.dirty = true
	return nil
}

func (d *Doc) Dirty() bool {
	return d.dirty
}

type Store interface {
	Get(ctx context.Context, key Key) (Doc, error)
	// List returns documents of a collection whose id starts with idPrefix, ordered by id.
	List(ctx context.Context, collection, idPrefix string) ([]Doc, error)
	Update(ctx context.Context, key Key, fn func(doc *Doc) error) error
	// Batch reads every key, runs fn and commits all encoded documents atomically.
	// An error from fn aborts the batch and is returned unchanged.
	Batch(ctx context.Context, keys []Key, fn func(docs map[Key]*Doc) error) error
}

func updateViaBatch(ctx context.Context, s Store, key Key, fn func(doc *Doc) error) error {
	return s.Batch(ctx, []Key{key}, func(docs map[Key]*Doc) error {
		return fn(docs[key])
	})
}

// normalizeKeys removes duplicates and sorts keys so backends lock in a stable order.
func normalizeKeys(keys []Key) ([]Key, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("batch requires at least one key")
	}
	seen := make(map[Key]struct{}, len(keys))
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		if k.Collection == "" || k.ID == "" {
			return nil, fmt.Errorf("invalid key %q", k.String())
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if len(out) > MaxBatchKeys {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(out), MaxBatchKeys)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func dirtyDocs(keys []Key, docs map[Key]*Doc) []*Doc {
	var out []*Doc
	for _, k := range keys {
		if d := docs[k]; d != nil && d.dirty {
			out = append(out, d)
		}
	}
	return out
}
