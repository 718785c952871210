// Package session holds the conversation and narrative state for one
// playthrough, plus the in-memory keyed store that owns it.
package session

import (
	"time"

	"github.com/talgya/crucible/internal/llm"
	"github.com/talgya/crucible/internal/support"
)

// TopicEntry records one completed turn's narrative coordinates. The
// diversity rules read these to keep the story from repeating itself.
type TopicEntry struct {
	Day         int    `json:"day"`
	Topic       string `json:"topic"`
	Scope       string `json:"scope"`
	Tension     string `json:"tension"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Session is the full persisted state for one playthrough. It is read,
// modified, and written back wholesale each turn — there is no partial
// update contract.
type Session struct {
	ID string

	// Messages is the whole conversation, resent to the provider every
	// turn. Append-only outside the bounded corrective-retry window.
	Messages []llm.Message

	// TopicHistory has one entry per completed turn.
	TopicHistory []TopicEntry

	// ClusterCounts tracks how often each tension tag has appeared.
	// Values sum to len(TopicHistory).
	ClusterCounts map[string]int

	// Emphasis is an optional steering note fixed at creation and reused
	// verbatim in every prompt.
	Emphasis string

	// Provider names the generation backend this session is bound to.
	// Immutable after creation.
	Provider string

	// Support holds the current 0–100 value per track.
	Support map[support.Track]int

	// PersonalDead latches once the personal track's entity dies. One-way.
	PersonalDead bool

	// LastTouched is updated on every store read and write; the janitor
	// uses it for idle eviction.
	LastTouched time.Time
}

// NewSession creates a fresh session with all support tracks at the
// starting value.
func NewSession(id, provider, emphasis string) *Session {
	return &Session{
		ID:            id,
		ClusterCounts: make(map[string]int),
		Emphasis:      emphasis,
		Provider:      provider,
		Support: map[support.Track]int{
			support.TrackPopulace: support.StartValue,
			support.TrackPower:    support.StartValue,
			support.TrackPersonal: support.StartValue,
		},
	}
}

// RecordTurn appends the turn's topic entry and bumps its tension cluster.
func (s *Session) RecordTurn(entry TopicEntry) {
	s.TopicHistory = append(s.TopicHistory, entry)
	if s.ClusterCounts == nil {
		s.ClusterCounts = make(map[string]int)
	}
	s.ClusterCounts[entry.Tension]++
}

// ApplyShifts adds the resolved deltas to the support values and latches
// the personal-death flag.
func (s *Session) ApplyShifts(shifts map[support.Track]support.Shift) {
	for track, shift := range shifts {
		s.Support[track] += shift.Delta
		if shift.Died && track == support.TrackPersonal {
			s.PersonalDead = true
		}
	}
}
