// Package store is the single PostgreSQL-backed persistence layer for the
// ingestion pipeline. It owns the sources, segments, and api_cache tables,
// the pgvector column, and the approximate-nearest-neighbour index. All
// writes flow through this package; no other component touches the database.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSources = `
CREATE TABLE IF NOT EXISTS sources (
    id             BIGSERIAL    PRIMARY KEY,
    source_type    TEXT         NOT NULL DEFAULT 'youtube',
    external_id    TEXT         NOT NULL,
    title          TEXT         NOT NULL DEFAULT '',
    channel        TEXT         NOT NULL DEFAULT '',
    url            TEXT         NOT NULL DEFAULT '',
    thumbnail_url  TEXT         NOT NULL DEFAULT '',
    duration_s     INT          NOT NULL DEFAULT 0,
    published_at   TIMESTAMPTZ,
    view_count     BIGINT       NOT NULL DEFAULT 0,
    like_count     BIGINT       NOT NULL DEFAULT 0,
    comment_count  BIGINT       NOT NULL DEFAULT 0,
    tags           TEXT[]       NOT NULL DEFAULT '{}',
    is_monologue   BOOLEAN      NOT NULL DEFAULT FALSE,
    provenance     TEXT         NOT NULL DEFAULT '',
    status         TEXT         NOT NULL DEFAULT 'pending',
    reason         TEXT         NOT NULL DEFAULT '',
    last_error     TEXT         NOT NULL DEFAULT '',
    retry_count      INT              NOT NULL DEFAULT 0,
    segments_count   INT              NOT NULL DEFAULT 0,
    embeddings_count INT              NOT NULL DEFAULT 0,
    target_coverage  DOUBLE PRECISION NOT NULL DEFAULT -1,
    processed_at     TIMESTAMPTZ,
    created_at       TIMESTAMPTZ      NOT NULL DEFAULT now(),
    last_updated     TIMESTAMPTZ      NOT NULL DEFAULT now(),
    UNIQUE (source_type, external_id)
);

CREATE INDEX IF NOT EXISTS idx_sources_status
    ON sources (status);

CREATE INDEX IF NOT EXISTS idx_sources_last_updated
    ON sources (last_updated);
`

const ddlAPICache = `
CREATE TABLE IF NOT EXISTS api_cache (
    key        TEXT         PRIMARY KEY,
    etag       TEXT         NOT NULL DEFAULT '',
    payload    JSONB        NOT NULL DEFAULT '{}',
    expires_at TIMESTAMPTZ  NOT NULL,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlSegments returns the segments DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlSegments(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS segments (
    id                 BIGSERIAL        PRIMARY KEY,
    external_id        TEXT             NOT NULL,
    start_time         DOUBLE PRECISION NOT NULL,
    end_time           DOUBLE PRECISION NOT NULL,
    text               TEXT             NOT NULL,
    text_hash          TEXT             NOT NULL,
    speaker_label      TEXT             NOT NULL,
    speaker_confidence DOUBLE PRECISION,
    avg_logprob        DOUBLE PRECISION NOT NULL DEFAULT 0,
    compression_ratio  DOUBLE PRECISION NOT NULL DEFAULT 0,
    no_speech_prob     DOUBLE PRECISION NOT NULL DEFAULT 0,
    temperature        DOUBLE PRECISION NOT NULL DEFAULT 0,
    re_asr             BOOLEAN          NOT NULL DEFAULT FALSE,
    is_overlap         BOOLEAN          NOT NULL DEFAULT FALSE,
    needs_refinement   BOOLEAN          NOT NULL DEFAULT FALSE,
    embedding          vector(%d),
    created_at         TIMESTAMPTZ      NOT NULL DEFAULT now(),
    UNIQUE (external_id, start_time, end_time, text_hash)
);

CREATE INDEX IF NOT EXISTS idx_segments_external_id
    ON segments (external_id);

CREATE INDEX IF NOT EXISTS idx_segments_speaker_label
    ON segments (speaker_label);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every start.
//
// embeddingDimensions must match the vector model configured for the
// deployment. Changing it after the first migration requires a manual schema
// update. The ivfflat index over embeddings is NOT created here; see
// [Store.EnsureVectorIndex], which waits until enough rows exist to size the
// index.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlSources,
		ddlSegments(embeddingDimensions),
		ddlAPICache,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
