// Package engine orchestrates game turns: it validates requests, drives the
// provider conversation for Day 1, continuation, and finale turns, repairs
// the provider's output through the recovery pipeline, and keeps the session
// record consistent.
package engine

import (
	"github.com/talgya/crucible/internal/authority"
	"github.com/talgya/crucible/internal/session"
	"github.com/talgya/crucible/internal/support"
)

// DefaultTotalDays is the number of dilemma days. The finale (epilogue)
// turn is the day after.
const DefaultTotalDays = 7

// MirrorPrefix keys the auxiliary session used by the mirror sub-flow.
const MirrorPrefix = "mirror"

// ReflectionMode is one of two narrative framings chosen per continuation
// turn by an unbiased coin flip, to vary the narrator's voice.
type ReflectionMode string

const (
	ReflectionIntrospective = ReflectionMode("introspective") // The player's inner voice.
	ReflectionChronicle     = ReflectionMode("chronicle")     // An outside chronicler.
)

// PlayerContext is the client-supplied scenario context for Day 1.
type PlayerContext struct {
	// RoleDescription is the free-text role the player chose.
	RoleDescription string `json:"roleDescription"`

	// RoleScope describes the limits of the role's power, free text.
	RoleScope string `json:"roleScope"`

	// Authority is the client's claimed tier. The server recomputes it and
	// the client value never wins.
	Authority string `json:"authority,omitempty"`

	// Holder is the optional structured power-holder profile.
	Holder *authority.Holder `json:"holder,omitempty"`

	// Setting is the world or era the playthrough runs in.
	Setting string `json:"setting,omitempty"`

	// Emphasis is an optional steering note, fixed for the whole session.
	Emphasis string `json:"emphasis,omitempty"`

	// Provider selects the generation backend for the session.
	Provider string `json:"provider,omitempty"`
}

// TurnRequest is the inbound API shape for every turn.
type TurnRequest struct {
	SessionID   string         `json:"sessionId"`
	Day         int            `json:"day"`
	IsFirstTurn bool           `json:"isFirstTurn"`
	IsFollowUp  bool           `json:"isFollowUp"`
	PriorChoice string         `json:"priorChoice,omitempty"`
	Context     *PlayerContext `json:"context,omitempty"`
	Language    string         `json:"language,omitempty"`
}

// TurnResponse is the flattened narrative payload returned to the UI.
// Day 1 carries title through scope; Day 2..N add the shift, params, and
// mirror fields; the finale carries title and description with empty
// actions.
type TurnResponse struct {
	Day           int                             `json:"day"`
	Title         string                          `json:"title"`
	Description   string                          `json:"description"`
	Actions       []string                        `json:"actions"`
	Topic         string                          `json:"topic,omitempty"`
	Scope         string                          `json:"scope,omitempty"`
	SupportShift  map[support.Track]support.Shift `json:"supportShift,omitempty"`
	DynamicParams []string                        `json:"dynamicParams,omitempty"`
	MirrorText    string                          `json:"mirrorText,omitempty"`
	IsGameEnd     bool                            `json:"isGameEnd,omitempty"`
}

// day1Payload is the structured object the provider must return on Day 1.
type day1Payload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Actions     []string `json:"actions"`
	Topic       string   `json:"topic"`
	Scope       string   `json:"scope"`
	Tension     string   `json:"tension"`
}

// dayNPayload is the continuation-turn object. Beyond validating structure
// and capping dynamicParams, provider output is deliberately trusted.
type dayNPayload struct {
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	Actions       []string          `json:"actions"`
	Topic         string            `json:"topic"`
	Scope         string            `json:"scope"`
	Tension       string            `json:"tension"`
	Judgments     map[string]string `json:"judgments,omitempty"`
	PersonalDied  bool              `json:"personalDied,omitempty"`
	DynamicParams []string          `json:"dynamicParams,omitempty"`
	MirrorText    string            `json:"mirrorText,omitempty"`
}

// finalePayload is the reduced epilogue object.
type finalePayload struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// SystemPromptContext is the enriched context handed to the prompt builder.
type SystemPromptContext struct {
	RoleDescription string
	RoleScope       string
	Authority       authority.Tier
	Setting         string
	Language        string
	Emphasis        string
}

// UserPromptInput carries everything a per-turn user prompt needs.
type UserPromptInput struct {
	Day          int
	TotalDays    int
	PriorChoice  string
	Sentiment    map[support.Track]int
	PersonalDead bool
	Reflection   ReflectionMode
	Emphasis     string
	Finale       bool
}

// PromptBuilder supplies prompt text. The engine treats wording as an
// external concern and depends only on this interface.
type PromptBuilder interface {
	SystemPrompt(ctx SystemPromptContext) string
	UserPrompt(in UserPromptInput) string

	// Mirror sub-flow prompts.
	MirrorSystemPrompt(ctx SystemPromptContext) string
	MirrorQuestionPrompt(question string) string
}

// TurnRecord is the archive row for one completed turn.
type TurnRecord struct {
	SessionID string
	Day       int
	Entry     session.TopicEntry
	Support   map[support.Track]int
	Provider  string
}

// Archiver persists an audit trail of turns. Failures are logged and never
// fail a turn.
type Archiver interface {
	ArchiveSessionStart(sessionID, provider string, tier authority.Tier) error
	ArchiveTurn(rec TurnRecord) error
	ArchiveGameEnd(sessionID string, day int) error
}
