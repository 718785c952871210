// Package support converts the provider's categorical attitude judgments
// into numeric support deltas on the 0–100 scale. Each judgment level maps
// to a five-wide band and the actual delta is drawn uniformly from it, so
// identical playthroughs still feel slightly different.
package support

import (
	"math/rand/v2"

	"github.com/talgya/crucible/internal/entropy"
)

// Track identifies one of the three support meters every playthrough carries.
type Track string

const (
	TrackPopulace = Track("populace") // The general population.
	TrackPower    = Track("power")    // Army, court, party — whoever holds hard power.
	TrackPersonal = Track("personal") // The player's closest person. Can die.
)

// Level is a categorical attitude judgment supplied by the provider.
type Level string

const (
	StronglySupportive   = Level("strongly_supportive")
	ModeratelySupportive = Level("moderately_supportive")
	SlightlySupportive   = Level("slightly_supportive")
	SlightlyOpposed      = Level("slightly_opposed")
	ModeratelyOpposed    = Level("moderately_opposed")
	StronglyOpposed      = Level("strongly_opposed")

	// LevelDead is valid only for the personal track.
	LevelDead = Level("dead")
)

// Scale bounds for every track. Every session starts all three at 50.
const (
	MinValue   = 0
	MaxValue   = 100
	StartValue = 50
)

// band is an inclusive delta range for one judgment level.
type band struct {
	lo, hi int
}

var bands = map[Level]band{
	SlightlySupportive:   {1, 5},
	ModeratelySupportive: {6, 10},
	StronglySupportive:   {11, 15},
	SlightlyOpposed:      {-5, -1},
	ModeratelyOpposed:    {-10, -6},
	StronglyOpposed:      {-15, -11},
}

// Shift is the resolved outcome for one track in one turn. Delta is already
// clamped: adding it to the current value always lands inside [0, 100].
type Shift struct {
	Delta int  `json:"delta"`
	Died  bool `json:"died,omitempty"`
}

// Source supplies uniform randomness. Injected so tests can pin outcomes;
// production wires the entropy package.
type Source interface {
	Float() float64
}

// Engine resolves judgments into clamped deltas.
type Engine struct {
	src Source
}

// NewEngine creates an engine drawing from src. A nil src falls back to
// math/rand.
func NewEngine(src Source) *Engine {
	if src == nil {
		src = mathSource{}
	}
	return &Engine{src: src}
}

type mathSource struct{}

func (mathSource) Float() float64 { return rand.Float64() }

// Resolve maps each judged track to a delta. Unknown levels resolve to zero
// rather than failing the turn. A dead judgment on the personal track forces
// the value to the floor exactly and marks the track died; the caller owns
// the invariant that a dead personal track stays dead on later turns.
func (e *Engine) Resolve(judgments map[Track]Level, current map[Track]int) map[Track]Shift {
	shifts := make(map[Track]Shift, len(judgments))

	for track, level := range judgments {
		cur := current[track]

		if level == LevelDead && track == TrackPersonal {
			shifts[track] = Shift{Delta: -cur, Died: true}
			continue
		}

		b, ok := bands[level]
		if !ok {
			shifts[track] = Shift{Delta: 0}
			continue
		}

		delta := entropy.IntBetween(e.src, b.lo, b.hi)

		// Clamp the delta, not the final value, so the returned delta is
		// exactly what should be added.
		if cur+delta > MaxValue {
			delta = MaxValue - cur
		}
		if cur+delta < MinValue {
			delta = -cur
		}

		shifts[track] = Shift{Delta: delta}
	}

	return shifts
}
