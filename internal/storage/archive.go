package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"datafeed_ingest/internal/codec"
)

// ArchiveUpdatedAtConstraint is the unique index that makes snapshot
// processing idempotent: a replayed snapshot fails its archive insert here.
const ArchiveUpdatedAtConstraint = "uq_datafeed_archive_updated_at"

// InsertArchive stores a processed snapshot's compressed payload. A plain
// insert, deliberately: a duplicate updated_at must abort the caller's
// transaction, which the caller detects with IsUniqueViolation.
func InsertArchive(ctx context.Context, q Querier, updatedAt time.Time, enc codec.Encoded, processedAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("new archive id: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO datafeed_archive (
			id, updated_at, payload_compressed, original_size_bytes, compression_algo, processed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, updatedAt, enc.Data, enc.OriginalSize, enc.Algo, processedAt)
	if err != nil {
		return fmt.Errorf("insert archive row: %w", err)
	}
	return nil
}

// ArchivedPayload fetches and decompresses one archived snapshot by its
// snapshot time. Returns nil when no such snapshot is archived.
func (d *DB) ArchivedPayload(ctx context.Context, updatedAt time.Time) ([]byte, error) {
	var enc codec.Encoded
	err := d.pool.QueryRow(ctx, `
		SELECT payload_compressed, original_size_bytes, compression_algo
		FROM datafeed_archive
		WHERE updated_at = $1
	`, updatedAt).Scan(&enc.Data, &enc.OriginalSize, &enc.Algo)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query archive row: %w", err)
	}
	return codec.Decompress(enc)
}
