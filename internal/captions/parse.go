package captions

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// vttTimeRe matches "HH:MM:SS.mmm" or "MM:SS.mmm".
var vttTimeRe = regexp.MustCompile(`^(?:(\d+):)?(\d{1,2}):(\d{2})\.(\d{3})$`)

// srtTimeRe matches "HH:MM:SS,mmm".
var srtTimeRe = regexp.MustCompile(`^(\d+):(\d{2}):(\d{2}),(\d{3})$`)

// tagRe strips inline markup such as <c> voice spans and timestamps.
var tagRe = regexp.MustCompile(`<[^>]*>`)

// ParseVTT parses a WebVTT document into raw cues. Inline markup and cue
// settings are discarded; NOTE and STYLE blocks are skipped.
func ParseVTT(doc string) ([]Cue, error) {
	lines := strings.Split(strings.ReplaceAll(doc, "\r\n", "\n"), "\n")
	if len(lines) == 0 || !strings.HasPrefix(strings.TrimSpace(lines[0]), "WEBVTT") {
		return nil, fmt.Errorf("missing WEBVTT header")
	}

	var cues []Cue
	i := 1
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "NOTE") || strings.HasPrefix(line, "STYLE") || strings.HasPrefix(line, "REGION") {
			i = skipBlock(lines, i)
			continue
		}

		// An optional cue identifier precedes the timing line.
		if !strings.Contains(line, "-->") {
			i++
			if i >= len(lines) {
				break
			}
			line = strings.TrimSpace(lines[i])
		}

		start, end, ok := parseTiming(line, vttTimeRe, "-->")
		if !ok {
			i = skipBlock(lines, i)
			continue
		}
		i++

		var text []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			text = append(text, tagRe.ReplaceAllString(lines[i], ""))
			i++
		}
		cues = append(cues, Cue{Start: start, End: end, Text: strings.Join(text, " ")})
	}
	return cues, nil
}

// ParseSRT parses a SubRip document into raw cues. Sequence numbers are
// ignored; only timing and text matter.
func ParseSRT(doc string) ([]Cue, error) {
	lines := strings.Split(strings.ReplaceAll(doc, "\r\n", "\n"), "\n")

	var cues []Cue
	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			i++
			continue
		}

		// Sequence number line.
		if _, err := strconv.Atoi(line); err == nil {
			i++
			if i >= len(lines) {
				break
			}
			line = strings.TrimSpace(lines[i])
		}

		start, end, ok := parseTiming(line, srtTimeRe, "-->")
		if !ok {
			i = skipBlock(lines, i)
			continue
		}
		i++

		var text []string
		for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
			text = append(text, tagRe.ReplaceAllString(lines[i], ""))
			i++
		}
		cues = append(cues, Cue{Start: start, End: end, Text: strings.Join(text, " ")})
	}
	if len(cues) == 0 {
		return nil, fmt.Errorf("no cues found")
	}
	return cues, nil
}

// parseTiming decodes a "start --> end ..." line. Cue settings after the end
// time are ignored.
func parseTiming(line string, re *regexp.Regexp, sep string) (float64, float64, bool) {
	parts := strings.SplitN(line, sep, 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	startStr := strings.TrimSpace(parts[0])
	endFields := strings.Fields(strings.TrimSpace(parts[1]))
	if len(endFields) == 0 {
		return 0, 0, false
	}
	start, ok := parseTimestamp(startStr, re)
	if !ok {
		return 0, 0, false
	}
	end, ok := parseTimestamp(endFields[0], re)
	if !ok {
		return 0, 0, false
	}
	return start, end, true
}

// parseTimestamp converts one matched timestamp into seconds.
func parseTimestamp(s string, re *regexp.Regexp) (float64, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	var h int
	if m[1] != "" {
		h, _ = strconv.Atoi(m[1])
	}
	min, _ := strconv.Atoi(m[2])
	sec, _ := strconv.Atoi(m[3])
	ms, _ := strconv.Atoi(m[4])
	return float64(h*3600+min*60+sec) + float64(ms)/1000.0, true
}

// skipBlock advances past the current block up to and including its trailing
// blank line.
func skipBlock(lines []string, i int) int {
	for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
		i++
	}
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return i
}
