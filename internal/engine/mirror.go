package engine

import (
	"slices"

	"github.com/google/uuid"

	"github.com/talgya/crucible/internal/llm"
	"github.com/talgya/crucible/internal/session"
)

// MirrorRequest asks the in-game mirror a free-form question. The mirror
// keeps its own conversation, bound to the same provider as the playthrough
// and cleaned up together with it.
type MirrorRequest struct {
	SessionID string `json:"sessionId"`
	Question  string `json:"question"`
}

// MirrorResponse is the mirror's structured reply.
type MirrorResponse struct {
	Reply string `json:"reply"`
}

type mirrorPayload struct {
	Reply string `json:"reply"`
}

// RunMirror executes one exchange of the reflective sub-flow. The primary
// session must exist; the auxiliary session is created lazily on first use.
func (o *Orchestrator) RunMirror(req MirrorRequest) (*MirrorResponse, error) {
	if req.SessionID == "" {
		return nil, &ValidationError{Reason: "missing session id"}
	}
	if req.Question == "" {
		return nil, &ValidationError{Reason: "missing question"}
	}

	primary, ok := o.Store.Get(req.SessionID)
	if !ok {
		return nil, ErrMissingSession
	}

	mirrorID := MirrorPrefix + "-" + req.SessionID
	release := o.Store.Acquire(mirrorID)
	defer release()

	gen, err := o.provider(primary.Provider)
	if err != nil {
		return nil, err
	}

	sess, ok := o.Store.Get(mirrorID)
	if !ok {
		sess = session.NewSession(mirrorID, primary.Provider, "")
		sess.Messages = []llm.Message{{
			Role: llm.RoleSystem,
			Content: o.Prompts.MirrorSystemPrompt(SystemPromptContext{
				Emphasis: primary.Emphasis,
			}),
		}}
	}

	instruction := llm.Message{Role: llm.RoleUser, Content: o.Prompts.MirrorQuestionPrompt(req.Question)}
	msgs := append(slices.Clone(sess.Messages), instruction)

	trace := uuid.NewString()[:8]
	res, raw, err := o.generateStructured(gen, msgs, trace)
	if err != nil {
		return nil, err
	}

	var payload mirrorPayload
	if err := res.Decode(&payload); err != nil {
		return nil, &GenerationError{Raw: raw, Err: err}
	}

	sess.Messages = append(sess.Messages, instruction, llm.Message{Role: llm.RoleAssistant, Content: raw})
	o.Store.Replace(sess)

	return &MirrorResponse{Reply: payload.Reply}, nil
}
