package lister

import (
	"testing"
	"time"
)

func TestFiltersAccept(t *testing.T) {
	tests := []struct {
		name    string
		filters Filters
		meta    SourceMeta
		want    bool
	}{
		{
			name:    "no filters accepts everything",
			filters: Filters{},
			meta:    SourceMeta{VideoID: "a", DurationS: 45},
			want:    true,
		},
		{
			name:    "skip shorts rejects under cutoff",
			filters: Filters{SkipShorts: true},
			meta:    SourceMeta{VideoID: "a", DurationS: 90},
			want:    false,
		},
		{
			name:    "skip shorts keeps long form",
			filters: Filters{SkipShorts: true},
			meta:    SourceMeta{VideoID: "a", DurationS: 2400},
			want:    true,
		},
		{
			name:    "skip shorts keeps unknown duration",
			filters: Filters{SkipShorts: true},
			meta:    SourceMeta{VideoID: "a", DurationS: 0},
			want:    true,
		},
		{
			name:    "max duration rejects over cap",
			filters: Filters{MaxDurationS: 3600},
			meta:    SourceMeta{VideoID: "a", DurationS: 7200},
			want:    false,
		},
		{
			name:    "live filtered",
			filters: Filters{SkipLive: true},
			meta:    SourceMeta{VideoID: "a", DurationS: 300, IsLive: true},
			want:    false,
		},
		{
			name:    "upcoming filtered",
			filters: Filters{SkipUpcoming: true},
			meta:    SourceMeta{VideoID: "a", IsUpcoming: true},
			want:    false,
		},
		{
			name:    "members only filtered",
			filters: Filters{SkipMembersOnly: true},
			meta:    SourceMeta{VideoID: "a", DurationS: 300, IsMembersOnly: true},
			want:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filters.Accept(tt.meta); got != tt.want {
				t.Errorf("Accept(%+v) = %v, want %v", tt.meta, got, tt.want)
			}
		})
	}
}

func TestParseFlatEntry(t *testing.T) {
	line := []byte(`{"id":"dQw4w9WgXcQ","title":"Carnivore Q&A #42","duration":3735.0,` +
		`"timestamp":1700000000,"view_count":15234,"channel":"Anthony Chaffee MD",` +
		`"url":"https://www.youtube.com/watch?v=dQw4w9WgXcQ",` +
		`"thumbnail":"https://i.ytimg.com/vi/dQw4w9WgXcQ/hq720.jpg",` +
		`"tags":["carnivore","nutrition"],"live_status":"was_live","availability":"public"}`)

	m, ok := parseFlatEntry(line)
	if !ok {
		t.Fatal("parseFlatEntry rejected a valid record")
	}
	if m.VideoID != "dQw4w9WgXcQ" {
		t.Errorf("VideoID = %q", m.VideoID)
	}
	if m.DurationS != 3735 {
		t.Errorf("DurationS = %d, want 3735", m.DurationS)
	}
	if m.IsLive || m.IsUpcoming || m.IsMembersOnly {
		t.Errorf("flags = live=%v upcoming=%v members=%v, want all false", m.IsLive, m.IsUpcoming, m.IsMembersOnly)
	}
	want := time.Unix(1700000000, 0).UTC()
	if !m.PublishedAt.Equal(want) {
		t.Errorf("PublishedAt = %v, want %v", m.PublishedAt, want)
	}
	if len(m.Tags) != 2 {
		t.Errorf("Tags = %v", m.Tags)
	}
}

func TestParseFlatEntryUploadDateFallback(t *testing.T) {
	m, ok := parseFlatEntry([]byte(`{"id":"abc123","upload_date":"20240115"}`))
	if !ok {
		t.Fatal("parseFlatEntry rejected record")
	}
	if m.PublishedAt.Year() != 2024 || m.PublishedAt.Month() != time.January || m.PublishedAt.Day() != 15 {
		t.Errorf("PublishedAt = %v, want 2024-01-15", m.PublishedAt)
	}
	if m.URL != "https://www.youtube.com/watch?v=abc123" {
		t.Errorf("URL = %q, want synthesized watch URL", m.URL)
	}
}

func TestParseFlatEntryMembersOnly(t *testing.T) {
	m, ok := parseFlatEntry([]byte(`{"id":"m1","availability":"subscriber_only","live_status":"is_live"}`))
	if !ok {
		t.Fatal("parseFlatEntry rejected record")
	}
	if !m.IsMembersOnly || !m.IsLive {
		t.Errorf("IsMembersOnly=%v IsLive=%v, want both true", m.IsMembersOnly, m.IsLive)
	}
}

func TestParseFlatEntrySalvagesID(t *testing.T) {
	// duration has the wrong type; the record still yields its id.
	m, ok := parseFlatEntry([]byte(`{"id":"sal1","duration":"not-a-number"}`))
	if !ok {
		t.Fatal("parseFlatEntry dropped a salvageable record")
	}
	if m.VideoID != "sal1" {
		t.Errorf("VideoID = %q, want sal1", m.VideoID)
	}
	if m.Title != "" || m.DurationS != 0 {
		t.Errorf("salvaged record carried extra fields: %+v", m)
	}
}

func TestParseFlatEntryDropsRecordsWithoutID(t *testing.T) {
	for _, line := range []string{`{}`, `{"title":"no id"}`, `not json at all`} {
		if _, ok := parseFlatEntry([]byte(line)); ok {
			t.Errorf("parseFlatEntry accepted %q", line)
		}
	}
}
