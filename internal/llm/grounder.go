package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// Target is a grounded on-screen location.
type Target struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Confidence float64 `json:"confidence"`
	ElementID  string  `json:"element_id,omitempty"`
}

// GroundContext is one grounding request: a semantic target description plus
// the current screen observation.
type GroundContext struct {
	TargetDescription string
	Screenshot        string // base64 PNG
	ViewHierarchy     json.RawMessage
	ScreenWidth       int
	ScreenHeight      int

	// Hint refines the prompt on a retry after a low-confidence answer.
	Hint string
}

// Grounder maps semantic UI target descriptions to concrete coordinates via
// the grounding model.
type Grounder struct {
	provider  Provider
	threshold float64
	log       zerolog.Logger
}

// NewGrounder creates a grounder over the given provider. threshold is the
// minimum confidence an answer must carry to be acted on.
func NewGrounder(provider Provider, threshold float64, logger zerolog.Logger) *Grounder {
	return &Grounder{provider: provider, threshold: threshold, log: logger}
}

const groundingSystemPrompt = `You locate UI elements on Android screens.
Given a target description, the current screenshot, and the accessibility
view hierarchy, answer with the pixel coordinates of the element center.
Respond with a fenced json block:
` + "```json\n{\"x\": <int>, \"y\": <int>, \"confidence\": <0.0-1.0>, \"element_id\": \"<optional resource id>\"}\n```"

// Ground resolves gc to a target. An answer below the confidence threshold
// returns GroundingAmbiguous; the caller may retry once with a refined Hint.
func (g *Grounder) Ground(ctx context.Context, gc *GroundContext) (*Target, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Target: %s\n", gc.TargetDescription)
	fmt.Fprintf(&sb, "Screen size: %dx%d\n", gc.ScreenWidth, gc.ScreenHeight)
	if len(gc.ViewHierarchy) > 0 {
		fmt.Fprintf(&sb, "View hierarchy:\n%s\n", string(gc.ViewHierarchy))
	}
	if gc.Hint != "" {
		fmt.Fprintf(&sb, "Previous attempt was unreliable: %s\n", gc.Hint)
	}

	msg := Message{Role: "user", Content: sb.String()}
	if gc.Screenshot != "" {
		msg.Images = []string{gc.Screenshot}
	}

	resp, err := g.provider.Chat(ctx, &ChatRequest{
		SystemPrompt: groundingSystemPrompt,
		Messages:     []Message{msg},
	})
	if err != nil {
		return nil, err
	}

	raw, err := ExtractJSONBlock(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("grounding answer: %w", err)
	}

	var target Target
	if err := json.Unmarshal([]byte(raw), &target); err != nil {
		return nil, fmt.Errorf("decode grounding answer: %w", err)
	}

	g.log.Debug().
		Str("target", gc.TargetDescription).
		Int("x", target.X).
		Int("y", target.Y).
		Float64("confidence", target.Confidence).
		Msg("grounded")

	if target.Confidence < g.threshold {
		return &target, fmt.Errorf("confidence %.2f below threshold %.2f: %w",
			target.Confidence, g.threshold, types.ErrGroundingAmbiguous)
	}
	return &target, nil
}
