// Package authority classifies how much effective power a player's chosen
// role actually wields. The tier shapes which dilemmas make sense: a citizen
// bound by an assembly cannot decree a purge, whatever the client claims.
package authority

import "strings"

// Tier is the effective power level of the player's role.
type Tier string

const (
	Low    = Tier("low")
	Medium = Tier("medium")
	High   = Tier("high")
)

// Subject is the coarse archetype of the power holder.
type Subject string

const (
	SubjectDictator = Subject("dictator")
	SubjectAuthor   = Subject("author") // Writes the rules but may not enforce them.
	SubjectAcolyte  = Subject("acolyte")
	SubjectActor    = Subject("actor")
)

// Intensity is how firmly the holder grips that position.
type Intensity string

const (
	IntensityWeak     = Intensity("weak")
	IntensityModerate = Intensity("moderate")
	IntensityStrong   = Intensity("strong")
)

// Holder is the structured power-holder profile, when the client supplies one.
type Holder struct {
	Subject   Subject   `json:"subject"`
	Intensity Intensity `json:"intensity"`
}

// weakMarkers are phrases in the free-text role description that signal the
// role has no real enforcement power. Any match forces Low regardless of the
// structured profile — the prose description is what the narrative actually
// honors.
var weakMarkers = []string{
	"citizen",
	"assembly will vote",
	"cannot enact major changes",
	"no permanent office",
}

// Classify derives the effective tier from the free-text role scope and the
// optional structured holder profile.
func Classify(roleScope string, holder *Holder) Tier {
	scope := strings.ToLower(roleScope)
	for _, marker := range weakMarkers {
		if strings.Contains(scope, marker) {
			return Low
		}
	}

	if holder == nil {
		return Medium
	}

	switch {
	case holder.Subject == SubjectDictator,
		holder.Subject == SubjectAuthor && holder.Intensity == IntensityStrong:
		return High
	case holder.Subject == SubjectAcolyte,
		holder.Subject == SubjectActor,
		holder.Intensity == IntensityWeak:
		return Low
	default:
		return Medium
	}
}
