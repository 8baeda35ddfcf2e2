// Package lister enumerates the candidate items of a channel catalogue.
//
// Two interchangeable back-ends implement [Lister]: a flat-playlist scraper
// driven by the yt-dlp CLI ([NewScraper]) and a key-authenticated catalog
// HTTP API ([NewAPI]). Both stream items through a caller-supplied emit
// function so that a channel of any size can be enumerated without buffering
// it whole.
package lister

import (
	"context"
	"errors"
	"time"
)

// ErrEnumeration wraps back-end failures that make the whole run impossible.
// Failure to enrich a single item is not an enumeration error; it degrades to
// a minimal record carrying just the external id.
var ErrEnumeration = errors.New("lister: channel enumeration failed")

// SourceMeta is the per-item metadata record produced by a Lister.
// Only VideoID is guaranteed; every other field is best-effort.
type SourceMeta struct {
	VideoID      string
	Title        string
	DurationS    int
	PublishedAt  time.Time
	ViewCount    int64
	LikeCount    int64
	CommentCount int64
	Channel      string
	URL          string
	ThumbnailURL string
	Tags         []string

	IsLive        bool
	IsUpcoming    bool
	IsMembersOnly bool
}

// Filters are the configuration-enumerated enumeration filters.
type Filters struct {
	// SkipShorts rejects items with a known duration under 120 seconds.
	SkipShorts bool

	// MaxDurationS rejects items longer than this. 0 disables.
	MaxDurationS int

	SkipLive        bool
	SkipUpcoming    bool
	SkipMembersOnly bool

	// Limit stops enumeration after this many accepted items. 0 means all.
	Limit int
}

// shortsCutoffS is the duration below which an item counts as a short.
const shortsCutoffS = 120

// Accept reports whether m passes the filters. Items with unknown duration
// (0) are never rejected on duration grounds.
func (f Filters) Accept(m SourceMeta) bool {
	if f.SkipShorts && m.DurationS > 0 && m.DurationS < shortsCutoffS {
		return false
	}
	if f.MaxDurationS > 0 && m.DurationS > f.MaxDurationS {
		return false
	}
	if f.SkipLive && m.IsLive {
		return false
	}
	if f.SkipUpcoming && m.IsUpcoming {
		return false
	}
	if f.SkipMembersOnly && m.IsMembersOnly {
		return false
	}
	return true
}

// Lister enumerates a channel's items, calling emit once per item that passes
// the filters, in catalogue order. emit returning an error stops enumeration
// and propagates the error. A back-end failure that prevents enumeration at
// all is reported wrapped in [ErrEnumeration].
type Lister interface {
	List(ctx context.Context, channel string, filters Filters, emit func(SourceMeta) error) error
}
