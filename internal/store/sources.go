package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Source is the per-item metadata row.
type Source struct {
	SourceType   string
	ExternalID   string
	Title        string
	Channel      string
	URL          string
	ThumbnailURL string
	DurationS    int
	PublishedAt  time.Time
	ViewCount    int64
	LikeCount    int64
	CommentCount int64
	Tags         []string
	IsMonologue  bool
}

// ItemState is the pipeline-relevant slice of a source row.
type ItemState struct {
	Status        Status
	Reason        string
	RetryCount    int
	SegmentsCount int

	// TargetCoverage is the fraction of attributed speech labeled as the
	// target on the last diarized pass; negative means never measured.
	TargetCoverage float64
}

// StatusUpdate carries the optional counters written alongside a status
// change. Zero values leave the corresponding column untouched except for
// RetryCount, which is always written when non-negative. The done transition
// has overwrite semantics: reason, last_error, and the counters are written
// as given so stale values from earlier failed attempts are cleared.
type StatusUpdate struct {
	Reason          string
	LastError       string
	Provenance      string
	SegmentsCount   int
	EmbeddingsCount int

	// RetryCount is the new absolute retry counter; negative means leave
	// unchanged.
	RetryCount int

	// TargetCoverage, when set, records the measured target speech fraction
	// for the monologue evidence gate on later runs.
	TargetCoverage *float64
}

// UpsertSource inserts or refreshes the metadata row for a source and
// returns its row id. Idempotent on (source_type, external_id); pipeline
// state columns are never overwritten here.
func (s *Store) UpsertSource(ctx context.Context, src Source) (int64, error) {
	if src.SourceType == "" {
		src.SourceType = "youtube"
	}
	const q = `
		INSERT INTO sources
		    (source_type, external_id, title, channel, url, thumbnail_url,
		     duration_s, published_at, view_count, like_count, comment_count,
		     tags, is_monologue)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (source_type, external_id) DO UPDATE SET
		    title         = EXCLUDED.title,
		    channel       = EXCLUDED.channel,
		    url           = EXCLUDED.url,
		    thumbnail_url = EXCLUDED.thumbnail_url,
		    duration_s    = EXCLUDED.duration_s,
		    published_at  = EXCLUDED.published_at,
		    view_count    = EXCLUDED.view_count,
		    like_count    = EXCLUDED.like_count,
		    comment_count = EXCLUDED.comment_count,
		    tags          = EXCLUDED.tags,
		    is_monologue  = EXCLUDED.is_monologue,
		    last_updated  = now()
		RETURNING id`

	var published any
	if !src.PublishedAt.IsZero() {
		published = src.PublishedAt
	}
	tags := src.Tags
	if tags == nil {
		tags = []string{}
	}

	var id int64
	err := s.pool.QueryRow(ctx, q,
		src.SourceType, src.ExternalID, src.Title, src.Channel, src.URL,
		src.ThumbnailURL, src.DurationS, published, src.ViewCount,
		src.LikeCount, src.CommentCount, tags, src.IsMonologue,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: upsert source %s: %w", src.ExternalID, err)
	}
	return id, nil
}

// GetState reads the pipeline state of a source. ok is false when the source
// has never been seen.
func (s *Store) GetState(ctx context.Context, externalID string) (ItemState, bool, error) {
	const q = `
		SELECT status, reason, retry_count, segments_count, target_coverage
		FROM   sources
		WHERE  external_id = $1`

	var (
		st  ItemState
		raw string
	)
	err := s.pool.QueryRow(ctx, q, externalID).Scan(
		&raw, &st.Reason, &st.RetryCount, &st.SegmentsCount, &st.TargetCoverage)
	if errors.Is(err, pgx.ErrNoRows) {
		return ItemState{}, false, nil
	}
	if err != nil {
		return ItemState{}, false, fmt.Errorf("store: get state %s: %w", externalID, err)
	}
	status, err := ParseStatus(raw)
	if err != nil {
		return ItemState{}, false, err
	}
	st.Status = status
	return st, true, nil
}

// BatchCheckStates reads the pipeline state of many sources in a single
// query. Sources never seen are absent from the returned map.
func (s *Store) BatchCheckStates(ctx context.Context, externalIDs []string) (map[string]ItemState, error) {
	out := make(map[string]ItemState, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	const q = `
		SELECT external_id, status, reason, retry_count, segments_count, target_coverage
		FROM   sources
		WHERE  external_id = ANY($1)`

	rows, err := s.pool.Query(ctx, q, externalIDs)
	if err != nil {
		return nil, fmt.Errorf("store: batch check states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id  string
			st  ItemState
			raw string
		)
		if err := rows.Scan(&id, &raw, &st.Reason, &st.RetryCount, &st.SegmentsCount, &st.TargetCoverage); err != nil {
			return nil, fmt.Errorf("store: batch check states: %w", err)
		}
		status, err := ParseStatus(raw)
		if err != nil {
			return nil, err
		}
		st.Status = status
		out[id] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: batch check states: %w", err)
	}
	return out, nil
}

// MarkStatus writes a status transition as a single row update. The done
// transition overwrites reason, last_error, and the counters; every other
// transition leaves zero-valued columns untouched.
func (s *Store) MarkStatus(ctx context.Context, externalID string, status Status, u StatusUpdate) error {
	if !status.IsValid() {
		return fmt.Errorf("store: invalid status %q", status)
	}
	const q = `
		UPDATE sources SET
		    status           = $2,
		    reason           = CASE WHEN $2 = 'done' THEN $3
		                            WHEN $3 = '' THEN reason ELSE $3 END,
		    last_error       = CASE WHEN $2 = 'done' THEN $4
		                            WHEN $4 = '' THEN last_error ELSE $4 END,
		    provenance       = CASE WHEN $5 = '' THEN provenance ELSE $5 END,
		    segments_count   = CASE WHEN $2 = 'done' THEN $6
		                            WHEN $6 = 0 THEN segments_count ELSE $6 END,
		    embeddings_count = CASE WHEN $2 = 'done' THEN $7
		                            WHEN $7 = 0 THEN embeddings_count ELSE $7 END,
		    retry_count      = CASE WHEN $8 < 0 THEN retry_count ELSE $8 END,
		    target_coverage  = COALESCE($9, target_coverage),
		    processed_at     = CASE WHEN $2 = 'done' THEN now() ELSE processed_at END,
		    last_updated     = now()
		WHERE external_id = $1`

	tag, err := s.pool.Exec(ctx, q, externalID, string(status),
		u.Reason, u.LastError, u.Provenance, u.SegmentsCount, u.EmbeddingsCount,
		u.RetryCount, u.TargetCoverage)
	if err != nil {
		return fmt.Errorf("store: mark %s %s: %w", externalID, status, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: mark %s: source not found", externalID)
	}
	return nil
}
