// Package script parses a production script into ordered [types.Segment]s.
//
// A script is plain text. Paragraphs are separated by blank lines and each
// paragraph becomes one segment. Pause markers such as
//
//	[pause 1.5s]
//	[pause 800ms]
//	[pause 2]
//
// set the silence after the preceding segment; a bare number is read as
// seconds and consecutive markers add up. Segments without a marker get the
// default pause; the closing segment gets none.
//
// Paragraphs shorter than MinSegmentChars are merged into the following
// paragraph, but a pause marker always ends a segment: text on either side
// of a marker is never joined.
package script

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/takewright/pkg/types"
)

// ErrEmpty is returned when a script contains no speakable text.
var ErrEmpty = errors.New("script: no segments")

var pauseRegex = regexp.MustCompile(`(?i)\[\s*pause\s+([^\]]*)\]`)

// Options controls parsing.
type Options struct {
	// DefaultPause is the silence after segments without an explicit marker.
	DefaultPause time.Duration

	// MinSegmentChars merges shorter paragraphs into the next one. Zero
	// disables merging.
	MinSegmentChars int
}

// item is a paragraph or a pause, in script order.
type item struct {
	text  string
	pause time.Duration
	line  int
}

// ParseFile reads and parses the script at path.
func ParseFile(path string, opts Options) ([]types.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("script: open %q: %w", path, err)
	}
	defer f.Close()
	segs, err := Parse(f, opts)
	if err != nil {
		return nil, fmt.Errorf("script: parse %q: %w", path, err)
	}
	return segs, nil
}

// Parse reads a script from r and returns its segments in order.
func Parse(r io.Reader, opts Options) ([]types.Segment, error) {
	items, err := tokenize(r)
	if err != nil {
		return nil, err
	}

	var (
		segs     []types.Segment
		explicit []bool
		pending  string
	)
	emit := func(text string) {
		segs = append(segs, types.Segment{
			Index:     len(segs),
			Text:      text,
			CharCount: utf8.RuneCountInString(text),
		})
		explicit = append(explicit, false)
	}

	for _, it := range items {
		if it.text == "" {
			// Pause marker: flush any short paragraph as its own segment.
			if pending != "" {
				emit(pending)
				pending = ""
			}
			if len(segs) == 0 {
				slog.Warn("script: ignoring pause marker before the first segment", "line", it.line)
				continue
			}
			last := len(segs) - 1
			segs[last].SilenceAfter += it.pause
			explicit[last] = true
			continue
		}

		text := it.text
		if pending != "" {
			text = pending + " " + text
			pending = ""
		}
		if opts.MinSegmentChars > 0 && utf8.RuneCountInString(text) < opts.MinSegmentChars {
			pending = text
			continue
		}
		emit(text)
	}
	if pending != "" {
		emit(pending)
	}
	if len(segs) == 0 {
		return nil, ErrEmpty
	}

	for i := range segs {
		if !explicit[i] {
			segs[i].SilenceAfter = opts.DefaultPause
		}
	}
	segs[0].IsOpening = true
	last := len(segs) - 1
	segs[last].IsClosing = true
	segs[last].SilenceAfter = 0
	return segs, nil
}

// tokenize splits the script into paragraphs and pause markers. Whitespace
// inside a paragraph is collapsed to single spaces.
func tokenize(r io.Reader) ([]item, error) {
	var (
		items []item
		para  []string
		start int
	)
	flush := func() {
		if len(para) > 0 {
			items = append(items, item{text: strings.Join(para, " "), line: start})
			para = nil
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		rest := line
		for {
			loc := pauseRegex.FindStringSubmatchIndex(rest)
			if loc == nil {
				break
			}
			if before := strings.Join(strings.Fields(rest[:loc[0]]), " "); before != "" {
				if len(para) == 0 {
					start = lineNo
				}
				para = append(para, before)
			}
			flush()
			d, err := parsePause(rest[loc[2]:loc[3]])
			if err != nil {
				return nil, fmt.Errorf("script: line %d: %w", lineNo, err)
			}
			items = append(items, item{pause: d, line: lineNo})
			rest = rest[loc[1]:]
		}
		if text := strings.Join(strings.Fields(rest), " "); text != "" {
			if len(para) == 0 {
				start = lineNo
			}
			para = append(para, text)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("script: read: %w", err)
	}
	flush()
	return items, nil
}

// parsePause accepts a Go duration ("1.5s", "800ms") or a number of seconds.
func parsePause(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative pause %q", s)
		}
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid pause %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
