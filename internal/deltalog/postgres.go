package deltalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	co "github.com/ilnaes/quillsync/internal/common"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS delta_logs (
	document_id text PRIMARY KEY,
	length      bigint NOT NULL
);
CREATE TABLE IF NOT EXISTS deltas (
	document_id text   NOT NULL,
	position    bigint NOT NULL,
	payload     bytea  NOT NULL,
	PRIMARY KEY (document_id, position)
);`

// PostgresStore keeps a length counter row per document next to the deltas.
// The upsert on delta_logs takes a row lock that is held until commit, so
// concurrent appenders to one document are serialized and each reads back its
// own length.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the tables if they do not exist.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Append(ctx context.Context, docId string, delta co.Delta) (int, error) {
	var length int
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO delta_logs (document_id, length) VALUES ($1, 1)
			 ON CONFLICT (document_id) DO UPDATE SET length = delta_logs.length + 1
			 RETURNING length`,
			docId,
		).Scan(&length); err != nil {
			return err
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO deltas (document_id, position, payload) VALUES ($1, $2, $3)`,
			docId, length-1, []byte(delta),
		)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append to %s: %w", docId, err)
	}
	return length, nil
}

func (p *PostgresStore) ReadAll(ctx context.Context, docId string) ([]co.Delta, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT payload FROM deltas WHERE document_id = $1 ORDER BY position`,
		docId,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", docId, err)
	}

	payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", docId, err)
	}

	res := make([]co.Delta, len(payloads))
	for i, b := range payloads {
		res[i] = co.Delta(b)
	}
	return res, nil
}

func (p *PostgresStore) Clear(ctx context.Context, docId string) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM delta_logs WHERE document_id = $1`, docId); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM deltas WHERE document_id = $1`, docId)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", docId, err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
