// Package leaderboard contains the client-side leaderboard model: entries,
// per-tier projections and the snapshot that replaces a projection wholesale.
package leaderboard

import "time"

// TierAll is the projection key for unscoped (no difficulty) snapshots.
const TierAll = "all"

// DefaultTopN bounds a projection when no explicit limit is configured.
const DefaultTopN = 50

// Source tags where a snapshot came from.
type Source string

const (
	SourceREST Source = "rest"
	SourcePush Source = "push"
)

// Entry is one team row on the leaderboard.
type Entry struct {
	Rank     int    `json:"rank"`
	TeamName string `json:"team_name"`
	Points   int64  `json:"points"`
	Verified bool   `json:"verified"`
}

// Projection is the client's current view of a single tier.
type Projection struct {
	Tier        string    `json:"tier"`
	Entries     []Entry   `json:"entries"`
	LastUpdated time.Time `json:"last_updated"`
}

// Clone returns a deep copy safe to hand to callers.
func (p Projection) Clone() Projection {
	out := p
	if p.Entries != nil {
		out.Entries = make([]Entry, len(p.Entries))
		copy(out.Entries, p.Entries)
	}
	return out
}

// Find returns the entry for team, if present.
func (p Projection) Find(team string) (Entry, bool) {
	for _, e := range p.Entries {
		if e.TeamName == team {
			return e, true
		}
	}
	return Entry{}, false
}

// Snapshot is a full, normalized top-N list for one tier.
type Snapshot struct {
	Tier      string
	Entries   []Entry
	Timestamp time.Time
	Source    Source
	// ServerTime is set when Timestamp came from the payload. Otherwise it
	// is the local receive time and only comparable with other local stamps.
	ServerTime bool
	// Authoritative snapshots may lower a team's points.
	Authoritative bool
	// UpdatedUser names the team whose solve triggered a push, when the server says so.
	UpdatedUser string
}
