package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

type counter struct {
	N int64 `json:"n"`
}

// runConformance exercises the Store contract against any backend.
func runConformance(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	ns := fmt.Sprintf("conf_%p", s)

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, K(ns, "missing"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("update creates and bumps version", func(t *testing.T) {
		key := K(ns, "a")
		for i := 0; i < 3; i++ {
			err := s.Update(ctx, key, func(d *Doc) error {
				var c counter
				if d.Exists() {
					if err := d.Decode(&c); err != nil {
						return err
					}
				}
				c.N++
				return d.Encode(c)
			})
			if err != nil {
				t.Fatalf("update %d: %v", i, err)
			}
		}
		doc, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var c counter
		if err := doc.Decode(&c); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if c.N != 3 || doc.Version != 3 {
			t.Fatalf("got n=%d version=%d want 3/3", c.N, doc.Version)
		}
	})

	t.Run("batch error writes nothing", func(t *testing.T) {
		boom := errors.New("boom")
		keys := []Key{K(ns, "b1"), K(ns, "b2")}
		err := s.Batch(ctx, keys, func(docs map[Key]*Doc) error {
			if err := docs[keys[0]].Encode(counter{N: 1}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected fn error back, got %v", err)
		}
		if _, err := s.Get(ctx, keys[0]); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected nothing written, got %v", err)
		}
	})

	t.Run("batch writes only encoded docs", func(t *testing.T) {
		keys := []Key{K(ns, "c1"), K(ns, "c2")}
		err := s.Batch(ctx, keys, func(docs map[Key]*Doc) error {
			return docs[keys[1]].Encode(counter{N: 7})
		})
		if err != nil {
			t.Fatalf("batch: %v", err)
		}
		if _, err := s.Get(ctx, keys[0]); !errors.Is(err, ErrNotFound) {
			t.Fatalf("untouched doc was written: %v", err)
		}
		if _, err := s.Get(ctx, keys[1]); err != nil {
			t.Fatalf("encoded doc missing: %v", err)
		}
	})

	t.Run("list by prefix in id order", func(t *testing.T) {
		for _, id := range []string{"f2/x", "f1/b", "f1/a", "f10/z"} {
			if err := s.Update(ctx, K(ns+"_list", id), func(d *Doc) error {
				return d.Encode(counter{N: 1})
			}); err != nil {
				t.Fatalf("seed %s: %v", id, err)
			}
		}
		docs, err := s.List(ctx, ns+"_list", "f1/")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(docs) != 2 || docs[0].Key.ID != "f1/a" || docs[1].Key.ID != "f1/b" {
			t.Fatalf("unexpected listing: %+v", docs)
		}
	})

	t.Run("concurrent increments are serialized", func(t *testing.T) {
		key := K(ns, "race")
		const workers = 8
		const perWorker = 10
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < perWorker; i++ {
					err := s.Update(ctx, key, func(d *Doc) error {
						var c counter
						if d.Exists() {
							if err := d.Decode(&c); err != nil {
								return err
							}
						}
						c.N++
						return d.Encode(c)
					})
					if err != nil {
						errs <- err
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("update: %v", err)
		}
		doc, err := s.Get(ctx, key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var c counter
		if err := doc.Decode(&c); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if c.N != workers*perWorker {
			t.Fatalf("lost updates: got %d want %d", c.N, workers*perWorker)
		}
	})
}

func TestMemoryConformance(t *testing.T) {
	runConformance(t, NewMemory())
}

func TestBatchTooLarge(t *testing.T) {
	keys := make([]Key, MaxBatchKeys+1)
	for i := range keys {
		keys[i] = K("c", fmt.Sprintf("%05d", i))
	}
	err := NewMemory().Batch(context.Background(), keys, func(map[Key]*Doc) error { return nil })
	if !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
}

func TestNormalizeKeysDedupAndSort(t *testing.T) {
	got, err := normalizeKeys([]Key{K("b", "1"), K("a", "2"), K("b", "1"), K("a", "1")})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	want := []Key{K("a", "1"), K("a", "2"), K("b", "1")}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	if _, err := normalizeKeys([]Key{{Collection: "a"}}); err == nil {
		t.Fatalf("expected empty id to fail")
	}
}

func TestMemoryFaultHook(t *testing.T) {
	m := NewMemory()
	m.SetFault(func(op string, _ []Key) error {
		if op == "batch" {
			return ErrUnavailable
		}
		return nil
	})
	err := m.Update(context.Background(), K("c", "1"), func(d *Doc) error { return d.Encode(counter{}) })
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	m.SetFault(nil)
	if _, err := m.Get(context.Background(), K("c", "1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("faulted batch must not write: %v", err)
	}
}
