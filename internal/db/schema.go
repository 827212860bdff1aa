package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_documents (
	collection text        NOT NULL,
	id         text        NOT NULL,
	version    bigint      NOT NULL CHECK (version > 0),
	body       jsonb       NOT NULL,
	updated_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS ledger_documents_prefix_idx
	ON ledger_documents (collection, id text_pattern_ops);
`

// EnsureSchema creates the document table used by the postgres ledger store.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
