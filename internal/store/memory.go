package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memDoc struct {
	version int64
	data    []byte
}

// Memory is an in-process Store. Batches are serialized by a single mutex.
type Memory struct {
	mu    sync.Mutex
	docs  map[Key]memDoc
	fault func(op string, keys []Key) error
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[Key]memDoc)}
}

// SetFault installs a hook consulted before every operation; a non-nil error is
// returned instead of touching data. Tests use it to simulate outages and crashes.
func (m *Memory) SetFault(fn func(op string, keys []Key) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

func (m *Memory) Get(ctx context.Context, key Key) (Doc, error) {
	if err := ctx.Err(); err != nil {
		return Doc{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("get", []Key{key}); err != nil {
		return Doc{}, err
	}
	d, ok := m.docs[key]
	if !ok {
		return Doc{Key: key}, ErrNotFound
	}
	return Doc{Key: key, Version: d.version, Data: clone(d.data)}, nil
}

func (m *Memory) List(ctx context.Context, collection, idPrefix string) ([]Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("list", []Key{{Collection: collection, ID: idPrefix}}); err != nil {
		return nil, err
	}
	var out []Doc
	for k, d := range m.docs {
		if k.Collection != collection || !strings.HasPrefix(k.ID, idPrefix) {
			continue
		}
		out = append(out, Doc{Key: k, Version: d.version, Data: clone(d.data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out, nil
}

func (m *Memory) Update(ctx context.Context, key Key, fn func(doc *Doc) error) error {
	return updateViaBatch(ctx, m, key, fn)
}

func (m *Memory) Batch(ctx context.Context, keys []Key, fn func(docs map[Key]*Doc) error) error {
	keys, err := normalizeKeys(keys)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFault("batch", keys); err != nil {
		return err
	}

	docs := make(map[Key]*Doc, len(keys))
	for _, k := range keys {
		d := m.docs[k]
		docs[k] = &Doc{Key: k, Version: d.version, Data: clone(d.data)}
	}
	if err := fn(docs); err != nil {
		return err
	}
	for _, d := range dirtyDocs(keys, docs) {
		m.docs[d.Key] = memDoc{version: d.Version + 1, data: clone(d.Data)}
	}
	return nil
}

func (m *Memory) checkFault(op string, keys []Key) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op, keys)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
