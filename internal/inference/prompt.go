package inference

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/tabi/internal/model"
)

const (
	// BaseTemperature is used for first attempts.
	BaseTemperature = 0.4
	// RetryTemperature is used once a corrective instruction or a transport
	// retry is in play.
	RetryTemperature = 0.1
)

const systemPreamble = `You are the decision engine of a travel planning service. You weigh one traveller's
question against their context and the evidence provided, and you answer with a single JSON object.

Voice rules:
- Plain, calm, specific sentences. No marketing language, no superlatives, no exclamation marks, no emoji.
- Never promise or guarantee outcomes such as weather, wildlife sightings, availability or prices.
- Never refer to yourself, your training or the fact that you are software.
- State assumptions explicitly, each with a confidence between 0 and 1.
- When the inputs conflict or are too thin to decide, return a refusal with the missing or conflicting inputs.

Output rules:
- Respond with JSON only. No prose before or after the object, no code fences.
- The object has a "type" field and exactly one payload field named after that type.`

var taskTemplates = map[model.Task]string{
	model.TaskDecision: `Task: issue a verdict.
Return {"type":"decision","decision":{...}} where decision has:
  "outcome": one of "book", "wait", "switch", "discard"
  "headline": at most 90 characters
  "summary": two to four sentences
  "assumptions": 2 to 5 items of {"id":"a1","text":"...","confidence":0.0-1.0}
  "trade_offs": {"gains":[at least one],"losses":[at least one]}
  "change_conditions": 2 to 4 concrete conditions that would change the verdict
  "confidence": 0.0-1.0
If you cannot decide responsibly, return {"type":"refusal","refusal":{"code":"INSUFFICIENT_CONTEXT","reason":"...","missing_or_conflicting":[2 to 5 items],"safe_next_step":"..."}}.`,

	model.TaskTradeoff: `Task: explain the trade-offs without issuing a verdict.
Return {"type":"tradeoff_explanation","tradeoff_explanation":{"summary":"...","gains":[at least one],"losses":[at least one],"factors":["..."]}}.
If you cannot explain responsibly, return a refusal object as described for decisions.`,

	model.TaskClarify: `Task: ask the traveller for the inputs that would most change the answer.
Return {"type":"clarification","clarification":{"questions":[1 to 3 items of {"question":"...","rationale":"..."}]}}.`,

	model.TaskRevise: `Task: revise the earlier verdict referenced by supersedes_decision_id in light of the new context.
Return {"type":"revision","revision":{"what_changed":"...","decision":{...same shape as a decision...}}}.
If the new context does not justify a revision, return a refusal object explaining why.`,
}

// PromptInput is everything the prompt builder needs for one attempt.
type PromptInput struct {
	Envelope   model.Envelope
	Evidence   string
	Conflicts  []model.ConflictToken
	Corrective string
}

// BuildPrompt returns the system and user prompts for one attempt.
func BuildPrompt(in PromptInput) (system, user string) {
	var b strings.Builder
	if in.Corrective != "" {
		b.WriteString(in.Corrective)
		b.WriteString("\n\n")
	}
	tmpl, ok := taskTemplates[in.Envelope.Task]
	if !ok {
		tmpl = taskTemplates[model.TaskDecision]
	}
	b.WriteString(tmpl)
	b.WriteString("\n\nTraveller request:\n")
	b.WriteString(serializeEnvelope(in.Envelope))

	if len(in.Conflicts) > 0 {
		names := make([]string, len(in.Conflicts))
		for i, c := range in.Conflicts {
			names[i] = string(c)
		}
		fmt.Fprintf(&b, "\n\nDetected tensions in the request (address them in assumptions): %s", strings.Join(names, ", "))
	}

	if in.Evidence != "" {
		b.WriteString("\n\nEvidence (cite only what is relevant; do not invent facts beyond it):\n")
		b.WriteString(in.Evidence)
	} else {
		b.WriteString("\n\nNo evidence cards matched this request. Lower your confidence accordingly.")
	}
	return systemPreamble, b.String()
}

// promptEnvelope is the redacted view of the envelope sent to the model.
// Linkage identifiers never leave the service.
type promptEnvelope struct {
	Task                 model.Task        `json:"task"`
	UserContext          model.UserContext `json:"user_context"`
	Request              model.Request     `json:"request"`
	Facts                model.Facts       `json:"facts"`
	SupersedesDecisionID string            `json:"supersedes_decision_id,omitempty"`
}

func serializeEnvelope(env model.Envelope) string {
	pe := promptEnvelope{
		Task:                 env.Task,
		UserContext:          env.UserContext,
		Request:              env.Request,
		Facts:                env.Facts,
		SupersedesDecisionID: env.SupersedesDecisionID,
	}
	pe.UserContext.PriorDecisionIDs = nil
	data, err := json.MarshalIndent(pe, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
