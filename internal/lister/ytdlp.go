package lister

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Compile-time assertion that Scraper satisfies Lister.
var _ Lister = (*Scraper)(nil)

// Scraper enumerates a channel using the yt-dlp flat-playlist extractor.
// Each playlist entry is emitted as one newline-delimited JSON record on
// stdout, so enumeration is streaming and needs no channel-wide buffer.
type Scraper struct {
	binary string
}

// ScraperOption is a functional option for configuring a Scraper.
type ScraperOption func(*Scraper)

// WithBinary overrides the yt-dlp executable path. Defaults to "yt-dlp"
// resolved via PATH.
func WithBinary(path string) ScraperOption {
	return func(s *Scraper) { s.binary = path }
}

// NewScraper creates a flat-playlist scraper backed by the yt-dlp CLI.
func NewScraper(opts ...ScraperOption) *Scraper {
	s := &Scraper{binary: "yt-dlp"}
	for _, o := range opts {
		o(s)
	}
	return s
}

// flatEntry is the subset of a yt-dlp flat-playlist JSON record we consume.
// Unknown fields are silently ignored.
type flatEntry struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Duration     float64  `json:"duration"`
	UploadDate   string   `json:"upload_date"`
	Timestamp    int64    `json:"timestamp"`
	ViewCount    int64    `json:"view_count"`
	Channel      string   `json:"channel"`
	URL          string   `json:"url"`
	Thumbnail    string   `json:"thumbnail"`
	Tags         []string `json:"tags"`
	LiveStatus   string   `json:"live_status"`
	Availability string   `json:"availability"`
}

// List implements [Lister]. The channel argument is a channel URL or handle
// accepted by yt-dlp (e.g., "https://www.youtube.com/@somechannel/videos").
func (s *Scraper) List(ctx context.Context, channel string, filters Filters, emit func(SourceMeta) error) error {
	cmd := exec.CommandContext(ctx, s.binary,
		"--flat-playlist",
		"--dump-json",
		"--no-warnings",
		channel,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrEnumeration, err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrEnumeration, s.binary, err)
	}

	accepted := 0
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		meta, ok := parseFlatEntry(line)
		if !ok {
			continue
		}
		if !filters.Accept(meta) {
			continue
		}
		if err := emit(meta); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return err
		}
		accepted++
		if filters.Limit > 0 && accepted >= filters.Limit {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		_ = cmd.Wait()
		return fmt.Errorf("%w: read output: %v", ErrEnumeration, err)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrEnumeration, s.binary, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// parseFlatEntry decodes one NDJSON record. A record that fails to decode but
// still yields an id degrades to a minimal SourceMeta; a record with no id is
// dropped.
func parseFlatEntry(line []byte) (SourceMeta, bool) {
	var e flatEntry
	if err := json.Unmarshal(line, &e); err != nil {
		// Salvage the id alone so the item is still discoverable.
		var idOnly struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(line, &idOnly) != nil || idOnly.ID == "" {
			slog.Debug("lister: dropping undecodable playlist entry", "err", err)
			return SourceMeta{}, false
		}
		return SourceMeta{VideoID: idOnly.ID}, true
	}
	if e.ID == "" {
		return SourceMeta{}, false
	}

	m := SourceMeta{
		VideoID:       e.ID,
		Title:         e.Title,
		DurationS:     int(e.Duration),
		ViewCount:     e.ViewCount,
		Channel:       e.Channel,
		URL:           e.URL,
		ThumbnailURL:  e.Thumbnail,
		Tags:          e.Tags,
		IsLive:        e.LiveStatus == "is_live",
		IsUpcoming:    e.LiveStatus == "is_upcoming",
		IsMembersOnly: e.Availability == "subscriber_only",
	}
	if e.Timestamp > 0 {
		m.PublishedAt = time.Unix(e.Timestamp, 0).UTC()
	} else if t, err := time.Parse("20060102", e.UploadDate); err == nil {
		m.PublishedAt = t
	}
	if m.URL == "" {
		m.URL = "https://www.youtube.com/watch?v=" + m.VideoID
	}
	return m, true
}
