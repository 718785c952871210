// Package prompts builds the default prompt text for the narrative engine.
// Wording lives here so the engine itself never cares what the narrator is
// told — swap this package to reskin the whole game.
package prompts

import (
	"fmt"
	"strings"

	"github.com/talgya/crucible/internal/engine"
	"github.com/talgya/crucible/internal/support"
)

// Builder is the stock prompt builder.
type Builder struct{}

// New returns the default builder.
func New() *Builder { return &Builder{} }

const systemTemplate = `You are the narrator of Crucible, an interactive simulation of power and its costs. The player has taken on a role and will live through a short span of consequential days. Each day you present one dilemma — concrete, morally loaded, and rooted in the player's actual reach.

Three currents run under the story and you must judge how each reacts to the player's choices:
- "populace": the broad population under or around the player's role
- "power": whoever holds hard power — army, court, party, church
- "personal": the one person closest to the player. This person can die. Death is permanent.

%s

Respond ONLY with a single JSON object, no markdown fences, no commentary outside the object. The required shape is given in each day's instruction. Write all narrative text in %s. Never break character, never mention being an AI or a simulation.`

// SystemPrompt implements engine.PromptBuilder.
func (b *Builder) SystemPrompt(ctx engine.SystemPromptContext) string {
	var role strings.Builder

	fmt.Fprintf(&role, "The player's role: %s.\n", fallback(ctx.RoleDescription, "an unnamed figure thrust into responsibility"))
	if ctx.RoleScope != "" {
		fmt.Fprintf(&role, "The limits of that role: %s.\n", ctx.RoleScope)
	}
	fmt.Fprintf(&role, "Effective authority tier: %s. ", ctx.Authority)
	switch ctx.Authority {
	case "low":
		role.WriteString("The player persuades, maneuvers, and endures — they cannot decree. Dilemmas must fit that weakness.")
	case "high":
		role.WriteString("The player's word is close to law. Dilemmas should weigh the cost of wielding that much power.")
	default:
		role.WriteString("The player has real but contested power. Dilemmas should force them to spend it.")
	}
	if ctx.Setting != "" {
		fmt.Fprintf(&role, "\nSetting: %s.", ctx.Setting)
	}
	if ctx.Emphasis != "" {
		fmt.Fprintf(&role, "\nSteering note for the whole playthrough: %s", ctx.Emphasis)
	}

	return fmt.Sprintf(systemTemplate, role.String(), fallback(ctx.Language, "English"))
}

// UserPrompt implements engine.PromptBuilder.
func (b *Builder) UserPrompt(in engine.UserPromptInput) string {
	var p strings.Builder

	if in.Finale {
		b.writeFinale(&p, in)
		return p.String()
	}

	if in.Day == 1 {
		b.writeDay1(&p, in)
		return p.String()
	}

	b.writeContinuation(&p, in)
	return p.String()
}

func (b *Builder) writeDay1(p *strings.Builder, in engine.UserPromptInput) {
	fmt.Fprintf(p, "Day 1 of %d. Open the story: establish the player's situation and present the first dilemma.\n\n", in.TotalDays)
	p.WriteString(`Respond with exactly this JSON shape:
{
  "title": "short dilemma title",
  "description": "2-4 sentences setting the scene and the dilemma",
  "actions": ["choice one", "choice two", "choice three"],
  "topic": "one-word topic, e.g. economy, religion, military, succession",
  "scope": "who it touches: household, city, nation, border",
  "tension": "one-word dramatic tension tag, e.g. scarcity, betrayal, faith"
}`)
}

func (b *Builder) writeContinuation(p *strings.Builder, in engine.UserPromptInput) {
	fmt.Fprintf(p, "Day %d of %d. Yesterday the player chose: %q.\n\n", in.Day, in.TotalDays, in.PriorChoice)

	if len(in.Sentiment) > 0 {
		p.WriteString("Current standing (0-100):\n")
		for _, track := range []support.Track{support.TrackPopulace, support.TrackPower, support.TrackPersonal} {
			if v, ok := in.Sentiment[track]; ok {
				fmt.Fprintf(p, "- %s: %d\n", track, v)
			}
		}
		p.WriteString("\n")
	}
	if in.PersonalDead {
		p.WriteString("The player's closest person is dead. Do not bring them back; their absence should weigh on the story.\n\n")
	}

	switch in.Reflection {
	case engine.ReflectionChronicle:
		p.WriteString("Frame the mirrorText as a chronicler's terse record of how the day will be remembered.\n")
	default:
		p.WriteString("Frame the mirrorText as the player's own unguarded inner voice at the end of the day.\n")
	}

	fmt.Fprintf(p, "\nNarrate the consequences of yesterday's choice, then present day %d's dilemma.\n\n", in.Day)
	p.WriteString(`Respond with exactly this JSON shape:
{
  "title": "short dilemma title",
  "description": "2-4 sentences: consequences, then the new dilemma",
  "actions": ["choice one", "choice two", "choice three"],
  "topic": "one-word topic",
  "scope": "household | city | nation | border",
  "tension": "one-word dramatic tension tag",
  "judgments": {
    "populace": "strongly_supportive | moderately_supportive | slightly_supportive | slightly_opposed | moderately_opposed | strongly_opposed",
    "power": "same scale",
    "personal": "same scale, or \"dead\" if yesterday's choice kills them"
  },
  "dynamicParams": ["up to three short story threads to carry forward"],
  "mirrorText": "1-2 sentences in the requested framing"
}`)

	if in.Day >= in.TotalDays {
		p.WriteString("\n\nThis is the final dilemma day. Let the stakes feel terminal.")
	}
	if in.Emphasis != "" {
		fmt.Fprintf(p, "\n\nSteering note: %s", in.Emphasis)
	}
}

func (b *Builder) writeFinale(p *strings.Builder, in engine.UserPromptInput) {
	fmt.Fprintf(p, "Day %d. The story is over.", in.Day)
	if in.PriorChoice != "" {
		fmt.Fprintf(p, " The player's last choice was: %q.", in.PriorChoice)
	}
	p.WriteString("\n\nWrite the epilogue: what the days amounted to, what endures, what was lost. No new dilemma, no choices.\n\n")
	p.WriteString(`Respond with exactly this JSON shape:
{
  "title": "epilogue title",
  "description": "3-5 sentences of epilogue"
}`)
}

const mirrorSystem = `You are the mirror in the player's chamber in Crucible — an old, honest thing that has watched rulers come and go. The player may ask you anything about their days, their choices, or themselves. Answer in character: brief, unsparing, a little weary.

Respond ONLY with a single JSON object: {"reply": "your answer, 1-3 sentences"}. No markdown fences, no text outside the object.`

// MirrorSystemPrompt implements engine.PromptBuilder.
func (b *Builder) MirrorSystemPrompt(ctx engine.SystemPromptContext) string {
	if ctx.Emphasis == "" {
		return mirrorSystem
	}
	return mirrorSystem + "\n\nSteering note for this playthrough: " + ctx.Emphasis
}

// MirrorQuestionPrompt implements engine.PromptBuilder.
func (b *Builder) MirrorQuestionPrompt(question string) string {
	return fmt.Sprintf("The player asks the mirror: %q\n\nAnswer with the JSON object only.", question)
}

func fallback(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
