// Package pathcodec parses and encodes the site/participant/metric hierarchy
// and the timestamp-bearing filenames of raw and merged data files.
//
// All filename conventions live here so they can be validated without I/O.
// A raw file is stored as
//
//	[prefix dirs...]/<site>/<participant>/<metric>/<token>[_<seq>]<ext>
//
// where <token> is formatted with Codec.TokenLayout (a Go time layout,
// "20060102_1504" by default) and <seq> is an optional chunk number.
// A merged file is stored as
//
//	<site>/<participant>/<metric>/<metric>_<periodKey><ext>
package pathcodec

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mhmlab/mhm/internal/period"
)

const (
	// DefaultTokenLayout is the filename timestamp format used by the
	// collection service: date and minute, e.g. 20240101_0930.
	DefaultTokenLayout = "20060102_1504"

	// DateTokenLayout is the date-only filename format, e.g. 20240101.
	DateTokenLayout = "20060102"

	// DefaultExtension is the raw and merged data file extension.
	DefaultExtension = ".csv.gz"

	// ManifestSuffix is appended to a merged file path to name its manifest.
	ManifestSuffix = ".manifest.json"

	// LockSuffix is appended to a merged file path to name its lock file.
	LockSuffix = ".lock"
)

// StreamID identifies the full time series of one metric for one participant.
type StreamID struct {
	Site        string `json:"site" yaml:"site"`
	Participant string `json:"participant" yaml:"participant"`
	Metric      string `json:"metric" yaml:"metric"`
}

// Key returns "site/participant/metric".
func (s StreamID) Key() string {
	return s.Site + "/" + s.Participant + "/" + s.Metric
}

// String implements fmt.Stringer.
func (s StreamID) String() string {
	return s.Key()
}

// ParseStreamKey is the inverse of StreamID.Key.
func ParseStreamKey(key string) (StreamID, error) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return StreamID{}, fmt.Errorf("invalid stream key %q: expected site/participant/metric", key)
	}
	return StreamID{Site: parts[0], Participant: parts[1], Metric: parts[2]}, nil
}

// RawID is the structured identity encoded by a raw file's path.
type RawID struct {
	Stream    StreamID
	Timestamp time.Time
	// Sequence is the optional chunk suffix; -1 when absent.
	Sequence int
	// Prefix holds the directories above the site level, slash-joined.
	Prefix string
}

// Date returns the calendar day encoded in the filename token.
func (r RawID) Date() period.Date {
	return period.DateOf(r.Timestamp, time.UTC)
}

// ParseError reports a path that does not match the expected hierarchy or
// filename convention.
type ParseError struct {
	Path   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Path, e.Reason)
}

// Codec holds the layout constants for one study.
type Codec struct {
	// PrefixDepth is the number of directories above the site level.
	PrefixDepth int
	// TokenLayout is the Go time layout of the filename token.
	TokenLayout string
	// Extension is the data file extension including the leading dot.
	Extension string
}

// New returns a Codec with defaults applied to zero-valued fields.
func New(prefixDepth int, tokenLayout, ext string) Codec {
	if tokenLayout == "" {
		tokenLayout = DefaultTokenLayout
	}
	if ext == "" {
		ext = DefaultExtension
	}
	return Codec{PrefixDepth: prefixDepth, TokenLayout: tokenLayout, Extension: ext}
}

// Validate checks that the token layout can be matched by the filename parser.
func (c Codec) Validate() error {
	if c.PrefixDepth < 0 {
		return fmt.Errorf("prefix depth must be non-negative, got %d", c.PrefixDepth)
	}
	if !strings.HasPrefix(c.Extension, ".") {
		return fmt.Errorf("extension must start with '.', got %q", c.Extension)
	}
	if _, err := c.tokenPattern(); err != nil {
		return err
	}
	return nil
}

// HasExtension reports whether name carries the codec's data extension.
func (c Codec) HasExtension(name string) bool {
	return strings.HasSuffix(name, c.ext())
}

func (c Codec) ext() string {
	if c.Extension == "" {
		return DefaultExtension
	}
	return c.Extension
}

func (c Codec) layout() string {
	if c.TokenLayout == "" {
		return DefaultTokenLayout
	}
	return c.TokenLayout
}

// tokenPattern turns the time layout into a regexp for the token's shape:
// every layout digit element becomes a fixed-width digit class and every
// other byte must match literally.
func (c Codec) tokenPattern() (*regexp.Regexp, error) {
	layout := c.layout()
	elems := []struct {
		elem  string
		width int
	}{
		{"2006", 4}, {"01", 2}, {"02", 2}, {"15", 2}, {"04", 2}, {"05", 2},
	}
	var b strings.Builder
	b.WriteString("^(")
	hasYear := false
	for i := 0; i < len(layout); {
		matched := false
		for _, e := range elems {
			if strings.HasPrefix(layout[i:], e.elem) {
				fmt.Fprintf(&b, `\d{%d}`, e.width)
				if e.elem == "2006" {
					hasYear = true
				}
				i += len(e.elem)
				matched = true
				break
			}
		}
		if !matched {
			if layout[i] >= '0' && layout[i] <= '9' {
				return nil, fmt.Errorf("unsupported element in token layout %q at %d", layout, i)
			}
			b.WriteString(regexp.QuoteMeta(layout[i : i+1]))
			i++
		}
	}
	if !hasYear {
		return nil, fmt.Errorf("token layout %q must contain a 4-digit year (2006)", layout)
	}
	b.WriteString(`)(?:_(\d+))?$`)
	return regexp.Compile(b.String())
}

// splitPath normalizes a relative path into components.
func splitPath(rel string) []string {
	rel = filepath.ToSlash(rel)
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return nil
	}
	return strings.Split(rel, "/")
}

// Parse decodes a raw file path relative to the data root.
// It fails with *ParseError when the hierarchy depth is wrong, a component is
// empty, the extension does not match, or the filename token is not a valid
// calendar date/time in the configured layout.
func (c Codec) Parse(rel string) (RawID, error) {
	parts := splitPath(rel)
	want := c.PrefixDepth + 4
	if len(parts) != want {
		return RawID{}, &ParseError{Path: rel, Reason: fmt.Sprintf("expected %d path components, got %d", want, len(parts))}
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return RawID{}, &ParseError{Path: rel, Reason: "empty or relative path component"}
		}
	}

	name := parts[len(parts)-1]
	if !c.HasExtension(name) {
		return RawID{}, &ParseError{Path: rel, Reason: fmt.Sprintf("filename does not end in %s", c.ext())}
	}
	ts, seq, err := c.parseToken(strings.TrimSuffix(name, c.ext()))
	if err != nil {
		return RawID{}, &ParseError{Path: rel, Reason: err.Error()}
	}

	base := c.PrefixDepth
	return RawID{
		Stream: StreamID{
			Site:        parts[base],
			Participant: parts[base+1],
			Metric:      parts[base+2],
		},
		Timestamp: ts,
		Sequence:  seq,
		Prefix:    strings.Join(parts[:base], "/"),
	}, nil
}

func (c Codec) parseToken(stem string) (time.Time, int, error) {
	re, err := c.tokenPattern()
	if err != nil {
		return time.Time{}, 0, err
	}
	m := re.FindStringSubmatch(stem)
	if m == nil {
		return time.Time{}, 0, fmt.Errorf("filename token %q does not match layout %q", stem, c.layout())
	}
	ts, err := time.ParseInLocation(c.layout(), m[1], time.UTC)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("filename token %q is not a valid date: %v", m[1], err)
	}
	seq := -1
	if m[2] != "" {
		seq, err = strconv.Atoi(m[2])
		if err != nil {
			return time.Time{}, 0, fmt.Errorf("invalid sequence %q", m[2])
		}
	}
	return ts, seq, nil
}

// EncodeRaw returns the canonical relative path of a raw file. The result
// round-trips through Parse.
func (c Codec) EncodeRaw(id RawID) string {
	name := id.Timestamp.UTC().Format(c.layout())
	if id.Sequence >= 0 {
		name += "_" + strconv.Itoa(id.Sequence)
	}
	name += c.ext()
	parts := []string{}
	if id.Prefix != "" {
		parts = append(parts, id.Prefix)
	}
	parts = append(parts, id.Stream.Site, id.Stream.Participant, id.Stream.Metric, name)
	return path.Join(parts...)
}

// Encode returns the canonical relative path of the merged file for a stream
// and period. Stripping the "_<periodKey>" suffix and extension gives back
// the metric, so ParseMerged inverts it.
func (c Codec) Encode(s StreamID, p period.Period) string {
	return path.Join(s.Site, s.Participant, s.Metric, s.Metric+"_"+p.Key()+c.ext())
}

// ParseMerged decodes a merged file path produced by Encode.
func (c Codec) ParseMerged(rel string, g period.Granularity) (StreamID, period.Period, error) {
	parts := splitPath(rel)
	if len(parts) != 4 {
		return StreamID{}, period.Period{}, &ParseError{Path: rel, Reason: fmt.Sprintf("expected 4 path components, got %d", len(parts))}
	}
	s := StreamID{Site: parts[0], Participant: parts[1], Metric: parts[2]}
	name := parts[3]
	prefix := s.Metric + "_"
	if !strings.HasPrefix(name, prefix) || !c.HasExtension(name) {
		return StreamID{}, period.Period{}, &ParseError{Path: rel, Reason: "merged filename does not match <metric>_<period>" + c.ext()}
	}
	key := strings.TrimSuffix(strings.TrimPrefix(name, prefix), c.ext())
	p, err := period.Parse(key, g)
	if err != nil {
		return StreamID{}, period.Period{}, &ParseError{Path: rel, Reason: err.Error()}
	}
	return s, p, nil
}

// ManifestPath returns the manifest sidecar path for a merged file path.
func ManifestPath(mergedPath string) string {
	return mergedPath + ManifestSuffix
}

// LockPath returns the lock file path for a merged file path.
func LockPath(mergedPath string) string {
	return mergedPath + LockSuffix
}
