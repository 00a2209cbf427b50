package leaderboard

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Field fallback chains. The backend has shipped every one of these names
// at some point; order is significant.
var (
	nameKeys   = []string{"team_name", "username", "name", "user", "handle"}
	pointsKeys = []string{"points", "point", "score"}
	listKeys   = []string{"data", "leaderboard", "top10"}
)

const unknownTeam = "unknown"

// maxEpochMillis is 9999-12-31T23:59:59.999Z; larger epoch values are garbage.
const maxEpochMillis = 253402300799999

// DecodeOption configures Decode.
type DecodeOption func(*decodeOptions)

type decodeOptions struct {
	tier   string
	topN   int
	source Source
	now    func() time.Time
}

// WithTier forces the snapshot tier instead of reading the payload's difficulty.
func WithTier(tier string) DecodeOption {
	return func(o *decodeOptions) { o.tier = tier }
}

// WithTopN bounds the decoded entry list.
func WithTopN(n int) DecodeOption {
	return func(o *decodeOptions) {
		if n > 0 {
			o.topN = n
		}
	}
}

// WithSource tags the snapshot. REST snapshots are always authoritative.
func WithSource(s Source) DecodeOption {
	return func(o *decodeOptions) { o.source = s }
}

// WithClock sets the receive-time clock used when a payload has no timestamp.
func WithClock(now func() time.Time) DecodeOption {
	return func(o *decodeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// Decode turns a REST body or push payload into a normalized Snapshot.
// Only syntactically invalid JSON is an error; any other shape degrades to
// normalization defaults.
func Decode(raw []byte, opts ...DecodeOption) (Snapshot, error) {
	o := decodeOptions{topN: DefaultTopN, source: SourcePush, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	v, err := decodeAny(raw)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Tier:          o.tier,
		Entries:       Normalize(ExtractList(v), o.topN),
		Source:        o.source,
		Authoritative: o.source == SourceREST,
	}

	obj, _ := v.(map[string]any)
	if snap.Tier == "" {
		snap.Tier = difficultyOf(obj)
	}
	if ts, ok := ParseTimestamp(obj["timestamp"]); ok {
		snap.Timestamp = ts
		snap.ServerTime = true
	} else {
		snap.Timestamp = o.now()
	}
	if truthy(obj["authoritative"]) {
		snap.Authoritative = true
	}
	if s, ok := obj["updated_user"].(string); ok {
		snap.UpdatedUser = strings.TrimSpace(s)
	}
	return snap, nil
}

// Difficulty returns the lowercased "difficulty" field of an object payload,
// or "" when there is none.
func Difficulty(raw []byte) string {
	v, err := decodeAny(raw)
	if err != nil {
		return ""
	}
	obj, _ := v.(map[string]any)
	return difficultyOf(obj)
}

func difficultyOf(obj map[string]any) string {
	s, _ := obj["difficulty"].(string)
	return strings.ToLower(strings.TrimSpace(s))
}

func decodeAny(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return v, nil
}

// ExtractList finds the entry array in a decoded payload: a bare array, or
// the first array-valued field among data, leaderboard and top10. An object
// under data is searched once more to cover {success, data: {leaderboard}}
// envelopes. Anything else yields nil.
func ExtractList(v any) []any {
	return extractList(v, 1)
}

func extractList(v any, depth int) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		for _, k := range listKeys {
			if list, ok := t[k].([]any); ok {
				return list
			}
		}
		if depth > 0 {
			if inner, ok := t["data"].(map[string]any); ok {
				return extractList(inner, depth-1)
			}
		}
	}
	return nil
}

// Normalize maps raw rows onto Entries using the fallback chains, then
// stable-sorts by rank, drops repeated team names (first in rank order wins)
// and truncates to topN.
func Normalize(rows []any, topN int) []Entry {
	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		m, _ := row.(map[string]any)
		entries = append(entries, Entry{
			Rank:     rankOf(m, i),
			TeamName: nameOf(m),
			Points:   pointsOf(m),
			Verified: truthy(m["verified"]),
		})
	}
	return Canonical(entries, topN)
}

// Canonical enforces the projection invariants on a copy of entries: rank
// ascending (stable), unique team names, at most topN rows.
func Canonical(entries []Entry, topN int) []Entry {
	if topN <= 0 {
		topN = DefaultTopN
	}
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rank < sorted[j].Rank })

	out := make([]Entry, 0, min(len(sorted), topN))
	seen := make(map[string]struct{}, len(sorted))
	for _, e := range sorted {
		if _, dup := seen[e.TeamName]; dup {
			continue
		}
		seen[e.TeamName] = struct{}{}
		out = append(out, e)
		if len(out) == topN {
			break
		}
	}
	return out
}

// rankOf reads a 1-based rank. Values outside int32 are treated as absent.
func rankOf(m map[string]any, pos int) int {
	if f, ok := number(m["rank"]); ok && f >= 1 && f <= math.MaxInt32 {
		return int(math.Floor(f))
	}
	return pos + 1
}

func nameOf(m map[string]any) string {
	for _, k := range nameKeys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return unknownTeam
}

// pointsOf takes the first non-null points field. A present but unparsable
// value yields 0 rather than falling through to the next name.
func pointsOf(m map[string]any) int64 {
	for _, k := range pointsKeys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		f, ok := number(v)
		if !ok || f <= 0 || math.IsNaN(f) {
			return 0
		}
		if f >= math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(math.Floor(f))
	}
	return 0
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// truthy accepts true, non-zero numbers and strings strconv.ParseBool reads as true.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	case float64:
		return t != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	}
	return false
}

// ParseTimestamp reads an RFC3339 string or epoch milliseconds (number or
// numeric string). The boolean is false when v carries no usable time.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts, true
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 && ms <= maxEpochMillis {
			return time.UnixMilli(ms), true
		}
		return time.Time{}, false
	}
	if f, ok := number(v); ok && f > 0 && f <= maxEpochMillis {
		return time.UnixMilli(int64(f)), true
	}
	return time.Time{}, false
}
