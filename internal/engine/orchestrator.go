package engine

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/talgya/crucible/internal/authority"
	"github.com/talgya/crucible/internal/diversity"
	"github.com/talgya/crucible/internal/entropy"
	"github.com/talgya/crucible/internal/llm"
	"github.com/talgya/crucible/internal/recovery"
	"github.com/talgya/crucible/internal/session"
	"github.com/talgya/crucible/internal/support"
)

// maxDynamicParams caps the provider-supplied dynamic parameter list. No
// other validation is applied to it; that trust trade-off is deliberate.
const maxDynamicParams = 3

// correctiveInstruction is appended to the in-flight conversation when the
// provider's output fails structural recovery, before the single retry.
const correctiveInstruction = "Your previous output was not valid. Reply with nothing but the JSON object — no markdown fences, no commentary, no text outside the object."

// Orchestrator is the turn state machine. One instance serves all sessions;
// per-session serialization comes from the store's key locks.
type Orchestrator struct {
	Store     *session.Store
	Providers map[string]llm.Generator
	Prompts   PromptBuilder
	Support   *support.Engine
	Guard     *diversity.Guard
	Rand      entropy.Source
	Archive   Archiver // Optional.

	// TotalDays is the number of dilemma days; the finale runs the day
	// after. Zero means DefaultTotalDays.
	TotalDays int
}

func (o *Orchestrator) totalDays() int {
	if o.TotalDays > 0 {
		return o.TotalDays
	}
	return DefaultTotalDays
}

func (o *Orchestrator) finaleDay() int { return o.totalDays() + 1 }

// RunTurn validates and executes one turn. The per-key lock is held for the
// whole read-modify-write cycle so concurrent turns on the same session id
// serialize instead of silently losing updates.
func (o *Orchestrator) RunTurn(req TurnRequest) (*TurnResponse, error) {
	if err := o.validateShape(req); err != nil {
		return nil, err
	}

	release := o.Store.Acquire(req.SessionID)
	defer release()

	_, exists := o.Store.Get(req.SessionID)

	switch {
	case req.IsFirstTurn:
		if exists {
			return nil, &ValidationError{Reason: "first-turn request for a session that already exists"}
		}
		return o.runDay1(req)
	case req.Day == o.finaleDay():
		if !exists {
			return nil, ErrMissingSession
		}
		return o.runFinale(req)
	default:
		if !exists {
			return nil, ErrMissingSession
		}
		if req.PriorChoice == "" {
			return nil, &ValidationError{Reason: "continuation requires the prior day's choice"}
		}
		return o.runContinuation(req)
	}
}

// validateShape checks the request fields that need no session lookup.
func (o *Orchestrator) validateShape(req TurnRequest) error {
	if req.SessionID == "" {
		return &ValidationError{Reason: "missing session id"}
	}
	if req.Day < 1 || req.Day > o.finaleDay() {
		return &ValidationError{Reason: fmt.Sprintf("day %d outside [1,%d]", req.Day, o.finaleDay())}
	}
	if req.IsFirstTurn && req.Day != 1 {
		return &ValidationError{Reason: "first turn must be day 1"}
	}
	if req.IsFirstTurn && req.IsFollowUp {
		return &ValidationError{Reason: "a turn cannot be both first and follow-up"}
	}
	if req.IsFollowUp && req.Day != o.finaleDay() {
		return &ValidationError{Reason: fmt.Sprintf("follow-up turn must be day %d", o.finaleDay())}
	}
	if !req.IsFirstTurn && req.Day == 1 {
		return &ValidationError{Reason: "day 1 must be a first turn"}
	}
	return nil
}

// runDay1 starts a new narrative: classifies authority server-side, seeds
// the conversation, and persists the session only after the provider's
// payload survives recovery.
func (o *Orchestrator) runDay1(req TurnRequest) (*TurnResponse, error) {
	ctx := req.Context
	if ctx == nil {
		ctx = &PlayerContext{}
	}

	// Trust boundary: the effective tier is always computed here; the
	// client's claimed value is ignored.
	tier := authority.Classify(ctx.RoleScope, ctx.Holder)
	if ctx.Authority != "" && ctx.Authority != string(tier) {
		slog.Info("client authority claim overridden",
			"session", req.SessionID, "claimed", ctx.Authority, "effective", tier)
	}

	gen, err := o.provider(ctx.Provider)
	if err != nil {
		return nil, err
	}

	promptCtx := SystemPromptContext{
		RoleDescription: ctx.RoleDescription,
		RoleScope:       ctx.RoleScope,
		Authority:       tier,
		Setting:         ctx.Setting,
		Language:        req.Language,
		Emphasis:        ctx.Emphasis,
	}
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: o.Prompts.SystemPrompt(promptCtx)},
		{Role: llm.RoleUser, Content: o.Prompts.UserPrompt(UserPromptInput{
			Day:       1,
			TotalDays: o.totalDays(),
			Emphasis:  ctx.Emphasis,
		})},
	}

	trace := uuid.NewString()[:8]
	res, raw, err := o.generateStructured(gen, msgs, trace)
	if err != nil {
		return nil, err
	}

	var payload day1Payload
	if err := res.Decode(&payload); err != nil {
		return nil, &GenerationError{Raw: raw, Err: err}
	}

	sess := session.NewSession(req.SessionID, gen.Name(), ctx.Emphasis)
	sess.Messages = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: raw})
	sess.RecordTurn(session.TopicEntry{
		Day:         1,
		Topic:       payload.Topic,
		Scope:       payload.Scope,
		Tension:     payload.Tension,
		Title:       payload.Title,
		Description: payload.Description,
	})

	if err := o.Store.Create(sess); err != nil {
		return nil, &ValidationError{Reason: "session appeared mid-turn: " + err.Error()}
	}

	slog.Info("day 1 complete", "session", req.SessionID, "trace", trace,
		"provider", gen.Name(), "tier", tier, "topic", payload.Topic, "stage", res.Stage)

	o.archiveStart(req.SessionID, gen.Name(), tier)
	o.archiveTurn(sess, 1)

	return &TurnResponse{
		Day:         1,
		Title:       payload.Title,
		Description: payload.Description,
		Actions:     payload.Actions,
		Topic:       payload.Topic,
		Scope:       payload.Scope,
	}, nil
}

// runContinuation advances an existing narrative by one day.
func (o *Orchestrator) runContinuation(req TurnRequest) (*TurnResponse, error) {
	sess, ok := o.Store.Get(req.SessionID)
	if !ok {
		return nil, ErrMissingSession
	}

	gen, err := o.provider(sess.Provider)
	if err != nil {
		return nil, err
	}

	// Unbiased coin flip between the two narrative framings. Intentional
	// variation, not a bug.
	reflection := ReflectionIntrospective
	if !entropy.Coin(o.rand()) {
		reflection = ReflectionChronicle
	}

	instruction := llm.Message{Role: llm.RoleUser, Content: o.Prompts.UserPrompt(UserPromptInput{
		Day:          req.Day,
		TotalDays:    o.totalDays(),
		PriorChoice:  req.PriorChoice,
		Sentiment:    snapshotSupport(sess),
		PersonalDead: sess.PersonalDead,
		Reflection:   reflection,
		Emphasis:     sess.Emphasis,
	})}
	msgs := append(slices.Clone(sess.Messages), instruction)

	trace := uuid.NewString()[:8]
	res, raw, err := o.generateStructured(gen, msgs, trace)
	if err != nil {
		return nil, err
	}

	var payload dayNPayload
	if err := res.Decode(&payload); err != nil {
		return nil, &GenerationError{Raw: raw, Err: err}
	}

	entry := session.TopicEntry{
		Day:         req.Day,
		Topic:       payload.Topic,
		Scope:       payload.Scope,
		Tension:     payload.Tension,
		Title:       payload.Title,
		Description: payload.Description,
	}

	warnings := o.Guard.Check(sess.TopicHistory, sess.ClusterCounts, entry)
	for _, w := range warnings {
		slog.Warn("diversity rule fired", "session", req.SessionID, "trace", trace,
			"rule", w.Rule, "detail", w.Detail, "blocking", w.Blocking)
	}

	if diversity.Blocking(warnings) {
		payload, raw, entry, err = o.regenerate(gen, msgs, entry, trace)
		if err != nil {
			return nil, err
		}
	}

	var shifts map[support.Track]support.Shift
	if len(payload.Judgments) > 0 {
		shifts = o.resolveShifts(sess, payload)
		sess.ApplyShifts(shifts)
	}

	if len(payload.DynamicParams) > maxDynamicParams {
		payload.DynamicParams = payload.DynamicParams[:maxDynamicParams]
	}

	// Exactly two persisted entries per completed turn: the instruction
	// and the successful generation. Corrective-retry traffic is not kept.
	sess.Messages = append(sess.Messages, instruction, llm.Message{Role: llm.RoleAssistant, Content: raw})
	sess.RecordTurn(entry)
	o.Store.Replace(sess)

	isGameEnd := req.Day >= o.totalDays()

	slog.Info("continuation complete", "session", req.SessionID, "trace", trace,
		"day", req.Day, "topic", entry.Topic, "reflection", reflection, "game_end", isGameEnd)

	o.archiveTurn(sess, req.Day)
	if isGameEnd {
		o.archiveEnd(req.SessionID, req.Day)
	}

	return &TurnResponse{
		Day:           req.Day,
		Title:         payload.Title,
		Description:   payload.Description,
		Actions:       payload.Actions,
		Topic:         payload.Topic,
		Scope:         payload.Scope,
		SupportShift:  shifts,
		DynamicParams: payload.DynamicParams,
		MirrorText:    payload.MirrorText,
		IsGameEnd:     isGameEnd,
	}, nil
}

// runFinale produces the epilogue: same generation pattern, reduced
// payload, no topic-history entry, no further choices.
func (o *Orchestrator) runFinale(req TurnRequest) (*TurnResponse, error) {
	sess, ok := o.Store.Get(req.SessionID)
	if !ok {
		return nil, ErrMissingSession
	}

	gen, err := o.provider(sess.Provider)
	if err != nil {
		return nil, err
	}

	instruction := llm.Message{Role: llm.RoleUser, Content: o.Prompts.UserPrompt(UserPromptInput{
		Day:          req.Day,
		TotalDays:    o.totalDays(),
		PriorChoice:  req.PriorChoice,
		Sentiment:    snapshotSupport(sess),
		PersonalDead: sess.PersonalDead,
		Emphasis:     sess.Emphasis,
		Finale:       true,
	})}
	msgs := append(slices.Clone(sess.Messages), instruction)

	trace := uuid.NewString()[:8]
	res, raw, err := o.generateStructured(gen, msgs, trace)
	if err != nil {
		return nil, err
	}

	var payload finalePayload
	if err := res.Decode(&payload); err != nil {
		return nil, &GenerationError{Raw: raw, Err: err}
	}

	sess.Messages = append(sess.Messages, instruction, llm.Message{Role: llm.RoleAssistant, Content: raw})
	o.Store.Replace(sess)

	slog.Info("finale complete", "session", req.SessionID, "trace", trace, "day", req.Day)
	o.archiveEnd(req.SessionID, req.Day)

	return &TurnResponse{
		Day:         req.Day,
		Title:       payload.Title,
		Description: payload.Description,
		Actions:     []string{},
		IsGameEnd:   true,
	}, nil
}

// Cleanup deletes the playthrough's primary session and the mirror
// sub-flow's auxiliary session. Idempotent: missing sessions are fine.
func (o *Orchestrator) Cleanup(sessionID string) {
	o.Store.Delete(sessionID)
	o.Store.Delete(MirrorPrefix + "-" + sessionID)
	slog.Info("session cleaned up", "session", sessionID)
}

// generateStructured runs the provider call plus recovery, with exactly one
// corrective retry on structural failure. The corrective exchange lives
// only in the in-flight list; callers persist their own copy of msgs.
func (o *Orchestrator) generateStructured(gen llm.Generator, msgs []llm.Message, trace string) (*recovery.Result, string, error) {
	raw, err := gen.Generate(msgs)
	if err != nil {
		return nil, "", fmt.Errorf("generation call: %w", err)
	}

	res, rerr := recovery.Recover(raw)
	if rerr == nil {
		if !res.Clean() {
			slog.Warn("provider output needed repair", "trace", trace, "stage", res.Stage)
		}
		return res, raw, nil
	}

	slog.Warn("structural parse failed, corrective retry", "trace", trace,
		"raw_len", len(raw))

	retryMsgs := append(slices.Clone(msgs),
		llm.Message{Role: llm.RoleAssistant, Content: raw},
		llm.Message{Role: llm.RoleUser, Content: correctiveInstruction},
	)
	raw, err = gen.Generate(retryMsgs)
	if err != nil {
		return nil, "", fmt.Errorf("corrective generation call: %w", err)
	}

	res, rerr = recovery.Recover(raw)
	if rerr != nil {
		return nil, "", &GenerationError{Raw: raw, Err: rerr}
	}
	return res, raw, nil
}

// regenerate re-prompts once after a blocking diversity violation, steering
// the provider away from the overused tension cluster. If the replacement
// still violates, it is accepted with a warning — the cap is a soft wall.
func (o *Orchestrator) regenerate(gen llm.Generator, msgs []llm.Message, rejected session.TopicEntry, trace string) (dayNPayload, string, session.TopicEntry, error) {
	steer := llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf(
		"Regenerate the day with a different dramatic tension: %q has been used too often this playthrough. Keep the same JSON shape.",
		rejected.Tension)}

	res, raw, err := o.generateStructured(gen, append(slices.Clone(msgs), steer), trace)
	if err != nil {
		return dayNPayload{}, "", session.TopicEntry{}, err
	}

	var payload dayNPayload
	if err := res.Decode(&payload); err != nil {
		return dayNPayload{}, "", session.TopicEntry{}, &GenerationError{Raw: raw, Err: err}
	}

	entry := session.TopicEntry{
		Day:         rejected.Day,
		Topic:       payload.Topic,
		Scope:       payload.Scope,
		Tension:     payload.Tension,
		Title:       payload.Title,
		Description: payload.Description,
	}
	if entry.Tension == rejected.Tension {
		slog.Warn("regeneration kept the overused tension, accepting anyway",
			"trace", trace, "tension", entry.Tension)
	}
	return payload, raw, entry, nil
}

// resolveShifts converts the provider's judgments into clamped deltas. A
// dead personal track stays dead: later judgments for it are dropped here.
func (o *Orchestrator) resolveShifts(sess *session.Session, payload dayNPayload) map[support.Track]support.Shift {
	judgments := make(map[support.Track]support.Level, len(payload.Judgments))
	for name, level := range payload.Judgments {
		track := support.Track(name)
		if track == support.TrackPersonal && sess.PersonalDead {
			continue
		}
		if track == support.TrackPersonal && payload.PersonalDied {
			judgments[track] = support.LevelDead
			continue
		}
		judgments[track] = support.Level(level)
	}
	return o.Support.Resolve(judgments, sess.Support)
}

func (o *Orchestrator) provider(name string) (llm.Generator, error) {
	if name == "" {
		name = "anthropic"
	}
	gen, ok := o.Providers[name]
	if !ok || gen == nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown or unconfigured provider %q", name)}
	}
	return gen, nil
}

func (o *Orchestrator) rand() entropy.Source {
	if o.Rand != nil {
		return o.Rand
	}
	return entropy.CryptoSource{}
}

func snapshotSupport(sess *session.Session) map[support.Track]int {
	snap := make(map[support.Track]int, len(sess.Support))
	for track, v := range sess.Support {
		snap[track] = v
	}
	return snap
}

func (o *Orchestrator) archiveStart(sessionID, provider string, tier authority.Tier) {
	if o.Archive == nil {
		return
	}
	if err := o.Archive.ArchiveSessionStart(sessionID, provider, tier); err != nil {
		slog.Warn("archive session start failed", "session", sessionID, "error", err)
	}
}

func (o *Orchestrator) archiveTurn(sess *session.Session, day int) {
	if o.Archive == nil {
		return
	}
	rec := TurnRecord{
		SessionID: sess.ID,
		Day:       day,
		Entry:     sess.TopicHistory[len(sess.TopicHistory)-1],
		Support:   snapshotSupport(sess),
		Provider:  sess.Provider,
	}
	if err := o.Archive.ArchiveTurn(rec); err != nil {
		slog.Warn("archive turn failed", "session", sess.ID, "day", day, "error", err)
	}
}

func (o *Orchestrator) archiveEnd(sessionID string, day int) {
	if o.Archive == nil {
		return
	}
	if err := o.Archive.ArchiveGameEnd(sessionID, day); err != nil {
		slog.Warn("archive game end failed", "session", sessionID, "error", err)
	}
}
