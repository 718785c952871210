package diversity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/talgya/crucible/internal/session"
)

func entry(day int, topic, scope, tension string) session.TopicEntry {
	return session.TopicEntry{Day: day, Topic: topic, Scope: scope, Tension: tension}
}

func TestCheckCleanHistory(t *testing.T) {
	g := &Guard{}
	history := []session.TopicEntry{
		entry(1, "economy", "city", "scarcity"),
		entry(2, "religion", "nation", "faith"),
	}
	warnings := g.Check(history, map[string]int{"scarcity": 1, "faith": 1},
		entry(3, "military", "border", "war"))
	assert.Empty(t, warnings)
}

func TestCheckRepeatPair(t *testing.T) {
	g := &Guard{}
	history := []session.TopicEntry{entry(1, "economy", "city", "scarcity")}

	warnings := g.Check(history, map[string]int{"scarcity": 1},
		entry(2, "economy", "city", "faith"))

	assert.Len(t, warnings, 1)
	assert.Equal(t, RuleRepeatPair, warnings[0].Rule)
	assert.False(t, warnings[0].Blocking)
}

func TestCheckSameTopicDifferentScopeIsNotRepeatPair(t *testing.T) {
	g := &Guard{}
	history := []session.TopicEntry{entry(1, "economy", "city", "scarcity")}

	warnings := g.Check(history, map[string]int{"scarcity": 1},
		entry(2, "economy", "nation", "faith"))
	assert.Empty(t, warnings)
}

func TestCheckTopicVarietyWindow(t *testing.T) {
	g := &Guard{}
	history := []session.TopicEntry{
		entry(1, "economy", "city", "a"),
		entry(2, "economy", "nation", "b"),
	}

	warnings := g.Check(history, map[string]int{"a": 1, "b": 1},
		entry(3, "economy", "border", "c"))

	assert.Len(t, warnings, 1)
	assert.Equal(t, RuleTopicVariety, warnings[0].Rule)
}

func TestCheckScopeVarietyWindow(t *testing.T) {
	g := &Guard{}
	history := []session.TopicEntry{
		entry(1, "economy", "city", "a"),
		entry(2, "religion", "city", "b"),
	}

	warnings := g.Check(history, map[string]int{"a": 1, "b": 1},
		entry(3, "military", "city", "c"))

	assert.Len(t, warnings, 1)
	assert.Equal(t, RuleScopeVariety, warnings[0].Rule)
}

func TestCheckClusterCapObserveOnly(t *testing.T) {
	g := &Guard{}
	history := []session.TopicEntry{
		entry(1, "economy", "city", "scarcity"),
		entry(2, "religion", "nation", "scarcity"),
	}

	warnings := g.Check(history, map[string]int{"scarcity": 2},
		entry(3, "military", "border", "scarcity"))

	assert.Len(t, warnings, 1)
	assert.Equal(t, RuleClusterCap, warnings[0].Rule)
	assert.False(t, warnings[0].Blocking)
	assert.False(t, Blocking(warnings))
}

func TestCheckClusterCapEnforced(t *testing.T) {
	g := &Guard{Enforce: true}

	warnings := g.Check(nil, map[string]int{"scarcity": 2},
		entry(3, "military", "border", "scarcity"))

	assert.Len(t, warnings, 1)
	assert.True(t, warnings[0].Blocking)
	assert.True(t, Blocking(warnings))
}

func TestCheckSecondUseIsFine(t *testing.T) {
	g := &Guard{Enforce: true}

	warnings := g.Check(nil, map[string]int{"scarcity": 1},
		entry(2, "military", "border", "scarcity"))
	assert.Empty(t, warnings)
}
