package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// MoveKind classifies the planner's next move.
type MoveKind string

const (
	// MoveSteps supplies concrete next steps to execute.
	MoveSteps MoveKind = "steps"
	// MoveSubtask spawns a nested sub-task with its own goal.
	MoveSubtask MoveKind = "subtask"
	// MoveMemoryRead asks the orchestrator for a memory document.
	MoveMemoryRead MoveKind = "memory_read"
	// MoveMemoryWrite records durable knowledge.
	MoveMemoryWrite MoveKind = "memory_write"
	// MoveConfirm requires user approval before the pending high-risk step.
	MoveConfirm MoveKind = "confirm"
	// MoveComplete declares the goal reached.
	MoveComplete MoveKind = "complete"
	// MoveFail declares the goal unreachable.
	MoveFail MoveKind = "fail"
)

// Expectation is the effect predicate a step must satisfy after its action.
type Expectation struct {
	// Kind: element_appears, element_gone, text_present, field_contains,
	// screen_changed, or none.
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

// PlannedStep is one concrete step of a plan.
type PlannedStep struct {
	Description string `json:"description"`
	// Action is the bridge action type (tap, swipe, input_text, key_event,
	// launch_app, wait, set_clipboard).
	Action string `json:"action"`
	// Target is the semantic description the grounder resolves. Empty for
	// targetless actions.
	Target string `json:"target,omitempty"`
	// Text for input_text / set_clipboard, Key for key_event, Direction for
	// swipe (up/down/left/right), App for launch_app, WaitMs for wait.
	Text      string `json:"text,omitempty"`
	Key       string `json:"key,omitempty"`
	Direction string `json:"direction,omitempty"`
	App       string `json:"app,omitempty"`
	WaitMs    int    `json:"wait_ms,omitempty"`

	Expect   Expectation `json:"expect"`
	HighRisk bool        `json:"high_risk,omitempty"`
}

// PlanMove is one planner decision.
type PlanMove struct {
	Move MoveKind `json:"move"`

	Steps       []PlannedStep `json:"steps,omitempty"`
	SubtaskGoal string        `json:"subtask_goal,omitempty"`
	MemoryKey   string        `json:"memory_key,omitempty"`
	Content     string        `json:"content,omitempty"`
	// Confirm is the question shown to the user before a high-risk step.
	Confirm string `json:"confirm,omitempty"`
	// Summary explains a complete or fail move.
	Summary string `json:"summary,omitempty"`
}

// PlanContext is the observable state handed to the planner for one move.
type PlanContext struct {
	Goal      string
	Knowledge string
	// History holds recent actions and their results, oldest first.
	History []string
	// MemoryExcerpts are documents the planner asked to read earlier.
	MemoryExcerpts []string
	Screenshot     string // base64 PNG
	AgentInfo      string
	Depth          int
}

// Planner decomposes goals into steps and decides memory moves via the
// planning model.
type Planner struct {
	provider Provider
	log      zerolog.Logger
}

// NewPlanner creates a planner over the given provider.
func NewPlanner(provider Provider, logger zerolog.Logger) *Planner {
	return &Planner{provider: provider, log: logger}
}

const plannerSystemPrompt = `You drive an Android device to complete tasks.
Each turn you see the goal, prior actions with results, and the current
screen. Decide one move and answer with a fenced json block:
{"move": "steps", "steps": [{"description", "action", "target", "expect": {"kind", "value"}, ...}]}
{"move": "subtask", "subtask_goal": "..."}
{"move": "memory_read", "memory_key": "..."}
{"move": "memory_write", "memory_key": "...", "content": "..."}
{"move": "confirm", "confirm": "<question for the user>", "steps": [<the high-risk steps>]}
{"move": "complete", "summary": "..."}
{"move": "fail", "summary": "..."}
Actions: tap, swipe, input_text, key_event (back/home/enter), launch_app,
wait, set_clipboard. Every step needs an expect predicate so its effect can
be verified. Mark payment-adjacent or outbound-message steps high_risk.`

// NextMove asks the planner for its next move. An unparseable completion is
// retried once with a format reminder before failing.
func (p *Planner) NextMove(ctx context.Context, pc *PlanContext) (*PlanMove, error) {
	prompt := p.buildPrompt(pc)

	msg := Message{Role: "user", Content: prompt}
	if pc.Screenshot != "" {
		msg.Images = []string{pc.Screenshot}
	}

	req := &ChatRequest{
		SystemPrompt: plannerSystemPrompt,
		Messages:     []Message{msg},
	}

	resp, err := p.provider.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	move, parseErr := parseMove(resp.Content)
	if parseErr == nil {
		return move, nil
	}

	p.log.Warn().Err(parseErr).Msg("unparseable plan, retrying with format reminder")
	req.Messages = append(req.Messages,
		Message{Role: "assistant", Content: resp.Content},
		Message{Role: "user", Content: "Answer again with only the fenced json block."},
	)
	resp, err = p.provider.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	move, parseErr = parseMove(resp.Content)
	if parseErr != nil {
		return nil, fmt.Errorf("planner answer unparseable after retry: %w", parseErr)
	}
	return move, nil
}

// Conclude produces the durable task summary written to memory at task end.
func (p *Planner) Conclude(ctx context.Context, goal string, history []string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n\nActions and results:\n", goal)
	for _, h := range history {
		fmt.Fprintf(&sb, "- %s\n", h)
	}
	sb.WriteString("\nWrite a short markdown summary of what was done and anything worth remembering for similar tasks.")

	resp, err := p.provider.Chat(ctx, &ChatRequest{
		Messages: []Message{{Role: "user", Content: sb.String()}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (p *Planner) buildPrompt(pc *PlanContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n", pc.Goal)
	if pc.AgentInfo != "" {
		fmt.Fprintf(&sb, "Agent: %s\n", pc.AgentInfo)
	}
	if pc.Depth > 0 {
		fmt.Fprintf(&sb, "Sub-task depth: %d\n", pc.Depth)
	}
	if pc.Knowledge != "" {
		fmt.Fprintf(&sb, "\nKnowledge:\n%s\n", pc.Knowledge)
	}
	if len(pc.MemoryExcerpts) > 0 {
		sb.WriteString("\nMemory excerpts:\n")
		for _, m := range pc.MemoryExcerpts {
			fmt.Fprintf(&sb, "---\n%s\n", m)
		}
	}
	if len(pc.History) > 0 {
		sb.WriteString("\nActions so far:\n")
		for _, h := range pc.History {
			fmt.Fprintf(&sb, "- %s\n", h)
		}
	}
	return sb.String()
}

func parseMove(completion string) (*PlanMove, error) {
	raw, err := ExtractJSONBlock(completion)
	if err != nil {
		return nil, err
	}
	var move PlanMove
	if err := json.Unmarshal([]byte(raw), &move); err != nil {
		return nil, fmt.Errorf("decode move: %w", err)
	}
	if move.Move == "" {
		return nil, fmt.Errorf("move field missing")
	}
	if move.Move == MoveSteps && len(move.Steps) == 0 {
		return nil, fmt.Errorf("steps move without steps")
	}
	return &move, nil
}
