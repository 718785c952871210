// Package diversity watches the topic history for narrative repetition.
// By default it only logs what it finds; the tension-cluster cap can be
// switched to blocking, which makes the engine re-prompt the provider once.
package diversity

import (
	"fmt"

	"github.com/talgya/crucible/internal/session"
)

// MaxClusterUses is how many times one tension tag may appear per session
// before the cluster rule fires.
const MaxClusterUses = 2

// windowSize is the trailing window for the variety rules.
const windowSize = 3

// Rule identifies which repetition rule fired.
type Rule string

const (
	RuleRepeatPair    = Rule("repeat-pair")     // Same topic+scope as the previous turn.
	RuleTopicVariety  = Rule("topic-variety")   // No topic change across the window.
	RuleScopeVariety  = Rule("scope-variety")   // No scope change across the window.
	RuleClusterCap    = Rule("cluster-cap")     // Tension tag used too often.
)

// Warning is one fired rule. Blocking is only ever set on the cluster rule,
// and only when the guard runs in enforcing mode.
type Warning struct {
	Rule     Rule
	Detail   string
	Blocking bool
}

// Guard evaluates the repetition rules against a session's history.
type Guard struct {
	// Enforce makes the cluster-cap rule blocking instead of advisory.
	Enforce bool
}

// Check evaluates next against the completed history and the session-wide
// cluster counts. It never mutates anything — bookkeeping stays with the
// session itself.
func (g *Guard) Check(history []session.TopicEntry, counts map[string]int, next session.TopicEntry) []Warning {
	var warnings []Warning

	if n := len(history); n > 0 {
		prev := history[n-1]
		if prev.Topic == next.Topic && prev.Scope == next.Scope {
			warnings = append(warnings, Warning{
				Rule:   RuleRepeatPair,
				Detail: fmt.Sprintf("topic %q scope %q repeats day %d", next.Topic, next.Scope, prev.Day),
			})
		}
	}

	if len(history) >= windowSize-1 {
		window := append(trailing(history, windowSize-1), next)

		if allSame(window, func(e session.TopicEntry) string { return e.Topic }) {
			warnings = append(warnings, Warning{
				Rule:   RuleTopicVariety,
				Detail: fmt.Sprintf("topic %q unchanged across last %d turns", next.Topic, windowSize),
			})
		}
		if allSame(window, func(e session.TopicEntry) string { return e.Scope }) {
			warnings = append(warnings, Warning{
				Rule:   RuleScopeVariety,
				Detail: fmt.Sprintf("scope %q unchanged across last %d turns", next.Scope, windowSize),
			})
		}
	}

	if counts[next.Tension]+1 > MaxClusterUses {
		warnings = append(warnings, Warning{
			Rule:     RuleClusterCap,
			Detail:   fmt.Sprintf("tension %q used %d times already", next.Tension, counts[next.Tension]),
			Blocking: g.Enforce,
		})
	}

	return warnings
}

// Blocking reports whether any warning requires regeneration.
func Blocking(warnings []Warning) bool {
	for _, w := range warnings {
		if w.Blocking {
			return true
		}
	}
	return false
}

func trailing(history []session.TopicEntry, n int) []session.TopicEntry {
	if len(history) <= n {
		return append([]session.TopicEntry(nil), history...)
	}
	return append([]session.TopicEntry(nil), history[len(history)-n:]...)
}

func allSame(entries []session.TopicEntry, key func(session.TopicEntry) string) bool {
	first := key(entries[0])
	for _, e := range entries[1:] {
		if key(e) != first {
			return false
		}
	}
	return true
}
