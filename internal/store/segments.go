package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
)

// Segment is one stored utterance row.
type Segment struct {
	Start float64
	End   float64
	Text  string

	SpeakerLabel      string
	SpeakerConfidence *float64

	AvgLogprob       float64
	CompressionRatio float64
	NoSpeechProb     float64
	Temperature      float64

	ReASR           bool
	IsOverlap       bool
	NeedsRefinement bool

	// Embedding is nil for segments the embedding policy excluded.
	Embedding []float32
}

// TextHash is the normalized text fingerprint used in the natural key
// (external_id, start, end, text_hash).
func TextHash(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// segmentColumns is the insert column list shared by the multi-row builder.
var segmentColumns = []string{
	"external_id", "start_time", "end_time", "text", "text_hash",
	"speaker_label", "speaker_confidence",
	"avg_logprob", "compression_ratio", "no_speech_prob", "temperature",
	"re_asr", "is_overlap", "needs_refinement", "embedding",
}

// ReplaceSegments atomically replaces all stored segments of a source:
// prior rows are deleted and the new set is bulk-inserted as one multi-row
// statement inside a single transaction. Any per-row failure, including a
// natural-key conflict, aborts the whole batch.
//
// Returns the number of rows written.
func (s *Store) ReplaceSegments(ctx context.Context, externalID string, segments []Segment) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("store: begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM segments WHERE external_id = $1`, externalID); err != nil {
		return 0, fmt.Errorf("store: delete prior segments %s: %w", externalID, err)
	}

	if len(segments) > 0 {
		query, args := buildSegmentInsert(externalID, segments)
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("store: insert segments %s: %w", externalID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit replace %s: %w", externalID, err)
	}
	return len(segments), nil
}

// buildSegmentInsert renders the single multi-row INSERT for a source's
// segments.
func buildSegmentInsert(externalID string, segments []Segment) (string, []any) {
	cols := len(segmentColumns)
	var (
		sb   strings.Builder
		args = make([]any, 0, len(segments)*cols)
	)
	sb.WriteString("INSERT INTO segments (")
	sb.WriteString(strings.Join(segmentColumns, ", "))
	sb.WriteString(") VALUES ")

	for i, seg := range segments {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+c+1)
		}
		sb.WriteByte(')')

		var embedding any
		if seg.Embedding != nil {
			embedding = pgvector.NewVector(seg.Embedding)
		}
		args = append(args,
			externalID, seg.Start, seg.End, seg.Text, TextHash(seg.Text),
			seg.SpeakerLabel, seg.SpeakerConfidence,
			seg.AvgLogprob, seg.CompressionRatio, seg.NoSpeechProb, seg.Temperature,
			seg.ReASR, seg.IsOverlap, seg.NeedsRefinement, embedding,
		)
	}
	return sb.String(), args
}

// vectorIndexMinRows is the row count below which the ANN index is not worth
// building; sequential scan wins on small tables.
const vectorIndexMinRows = 1000

// EnsureVectorIndex lazily creates the ivfflat index over the embedding
// column, sized as lists = max(100, sqrt(row_count)). Calls made before
// enough rows exist are no-ops; the first call that finds enough rows
// builds the index and later calls return immediately.
func (s *Store) EnsureVectorIndex(ctx context.Context) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if s.indexDone {
		return nil
	}

	var count int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM segments WHERE embedding IS NOT NULL`).Scan(&count); err != nil {
		return fmt.Errorf("store: count embeddings: %w", err)
	}
	if count < vectorIndexMinRows {
		return nil
	}

	lists := IndexLists(count)
	q := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS idx_segments_embedding
		    ON segments USING ivfflat (embedding vector_cosine_ops)
		    WITH (lists = %d)`, lists)
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("store: create vector index: %w", err)
	}
	s.indexDone = true
	return nil
}

// IndexLists sizes the ivfflat list count for a given row count.
func IndexLists(rows int64) int {
	lists := int(math.Sqrt(float64(rows)))
	if lists < 100 {
		lists = 100
	}
	return lists
}

// SearchResult is one nearest-neighbour hit.
type SearchResult struct {
	ExternalID string
	Segment    Segment
	Distance   float64
}

// SearchSegments returns the topK stored segments closest to the query
// embedding by cosine distance, optionally restricted to one speaker label.
func (s *Store) SearchSegments(ctx context.Context, embedding []float32, topK int, speakerLabel string) ([]SearchResult, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec}
	where := "WHERE embedding IS NOT NULL"
	if speakerLabel != "" {
		args = append(args, speakerLabel)
		where += fmt.Sprintf(" AND speaker_label = $%d", len(args))
	}
	args = append(args, topK)

	q := fmt.Sprintf(`
		SELECT external_id, start_time, end_time, text, speaker_label,
		       speaker_confidence, embedding <=> $1 AS distance
		FROM   segments
		%s
		ORDER  BY distance
		LIMIT  $%d`, where, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search segments: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SearchResult, error) {
		var r SearchResult
		err := row.Scan(
			&r.ExternalID,
			&r.Segment.Start,
			&r.Segment.End,
			&r.Segment.Text,
			&r.Segment.SpeakerLabel,
			&r.Segment.SpeakerConfidence,
			&r.Distance,
		)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: collect search results: %w", err)
	}
	return results, nil
}
