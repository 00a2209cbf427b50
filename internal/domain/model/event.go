// Package model contains domain models passed between layers.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Push event names the backend emits.
const (
	EventLeaderboardUpdate = "leaderboard_update"
	EventNewSolve          = "new_solve"
	EventUserRankChange    = "user_rank_change"

	tierEventPrefix = EventLeaderboardUpdate + "_"
)

// Event is one decoded push message travelling from the read loop to subscribers.
type Event struct {
	Name       string          // event name, e.g. "leaderboard_update_beginner"
	Payload    json.RawMessage // first event argument, raw JSON
	ReceivedAt time.Time       // local receive time
	Seq        uint64          // per-connection arrival order
}

// TierEvent returns the per-tier leaderboard event name.
func TierEvent(tier string) string {
	return tierEventPrefix + strings.ToLower(tier)
}

// TierOf extracts the tier from a per-tier leaderboard event name.
func TierOf(name string) (string, bool) {
	if !strings.HasPrefix(name, tierEventPrefix) {
		return "", false
	}
	tier := strings.TrimPrefix(name, tierEventPrefix)
	return tier, tier != ""
}

// IsAdvisory reports whether the event only hints that a re-fetch is due.
func IsAdvisory(name string) bool {
	return name == EventNewSolve || name == EventUserRankChange
}
