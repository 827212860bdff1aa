package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var errLostRace = errors.New("document changed during batch")

// Postgres keeps documents as JSONB rows in ledger_documents (see db.EnsureSchema).
type Postgres struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func NewPostgres(db *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, log: logger}
}

func (p *Postgres) Get(ctx context.Context, key Key) (Doc, error) {
	doc := Doc{Key: key}
	err := p.db.QueryRow(ctx, `
		SELECT version, body
		FROM ledger_documents
		WHERE collection = $1 AND id = $2
	`, key.Collection, key.ID).Scan(&doc.Version, &doc.Data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return doc, ErrNotFound
		}
		return doc, classifyPgError(err)
	}
	return doc, nil
}

func (p *Postgres) List(ctx context.Context, collection, idPrefix string) ([]Doc, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, version, body
		FROM ledger_documents
		WHERE collection = $1 AND starts_with(id, $2)
		ORDER BY id COLLATE "C"
	`, collection, idPrefix)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		d := Doc{Key: Key{Collection: collection}}
		if err := rows.Scan(&d.Key.ID, &d.Version, &d.Data); err != nil {
			return nil, classifyPgError(err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return out, nil
}

func (p *Postgres) Update(ctx context.Context, key Key, fn func(doc *Doc) error) error {
	return updateViaBatch(ctx, p, key, fn)
}

func (p *Postgres) Batch(ctx context.Context, keys []Key, fn func(docs map[Key]*Doc) error) error {
	keys, err := normalizeKeys(keys)
	if err != nil {
		return err
	}

	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := p.batchOnce(ctx, keys, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errLostRace) && !isRetryablePgError(err) {
			return err
		}
		p.log.Debug("ledger batch retry", "attempt", attempt+1, "keys", len(keys), "err", err)
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrConflict
}

func (p *Postgres) batchOnce(ctx context.Context, keys []Key, fn func(docs map[Key]*Doc) error) error {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	collections := make([]string, len(keys))
	ids := make([]string, len(keys))
	docs := make(map[Key]*Doc, len(keys))
	for i, k := range keys {
		collections[i] = k.Collection
		ids[i] = k.ID
		docs[k] = &Doc{Key: k}
	}

	rows, err := tx.Query(ctx, `
		SELECT d.collection, d.id, d.version, d.body
		FROM ledger_documents d
		JOIN unnest($1::text[], $2::text[]) AS k(collection, id)
		  ON d.collection = k.collection AND d.id = k.id
		ORDER BY d.collection, d.id
		FOR UPDATE OF d
	`, collections, ids)
	if err != nil {
		return classifyPgError(err)
	}
	for rows.Next() {
		var k Key
		var version int64
		var body []byte
		if err := rows.Scan(&k.Collection, &k.ID, &version, &body); err != nil {
			rows.Close()
			return classifyPgError(err)
		}
		if d, ok := docs[k]; ok {
			d.Version = version
			d.Data = body
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classifyPgError(err)
	}

	if err := fn(docs); err != nil {
		return err
	}

	dirty := dirtyDocs(keys, docs)
	if len(dirty) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, d := range dirty {
		if d.Version == 0 {
			b.Queue(`
				INSERT INTO ledger_documents (collection, id, version, body, updated_at)
				VALUES ($1, $2, 1, $3::jsonb, now())
				ON CONFLICT (collection, id) DO NOTHING
			`, d.Key.Collection, d.Key.ID, string(d.Data))
			continue
		}
		b.Queue(`
			UPDATE ledger_documents
			SET version = version + 1, body = $3::jsonb, updated_at = now()
			WHERE collection = $1 AND id = $2 AND version = $4
		`, d.Key.Collection, d.Key.ID, string(d.Data), d.Version)
	}
	br := tx.SendBatch(ctx, b)
	for range dirty {
		cmd, err := br.Exec()
		if err != nil {
			br.Close()
			return classifyPgError(err)
		}
		if cmd.RowsAffected() == 0 {
			br.Close()
			return errLostRace
		}
	}
	if err := br.Close(); err != nil {
		return classifyPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func isRetryablePgError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure, deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// classifyPgError maps connection-level failures to ErrUnavailable and leaves
// statement errors and context cancellation untouched.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case isRetryablePgError(err):
			return err
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53" || pgErr.Code[:2] == "57"):
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		default:
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
