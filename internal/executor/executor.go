// Package executor turns planned steps into verified device actions. Each
// step runs a ground, issue, verify cycle; unverified effects are retried
// within the step's retry budget and everything else escalates to the
// orchestrator.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mobileclaw/mobileclaw/internal/bridge"
	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/internal/config"
	"github.com/mobileclaw/mobileclaw/internal/llm"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// Device is the bridge surface the executor drives. *bridge.Handle satisfies
// it.
type Device interface {
	DeviceID() string
	Do(ctx context.Context, actionType string, params map[string]any) (*bridge.Reply, error)
	Screenshot(ctx context.Context) (*bridge.ScreenCapture, error)
	ViewHierarchy(ctx context.Context) (*bridge.ScreenCapture, error)
}

// Grounder resolves a semantic target to screen coordinates. *llm.Grounder
// satisfies it.
type Grounder interface {
	Ground(ctx context.Context, gc *llm.GroundContext) (*llm.Target, error)
}

// StepResult records what happened to one step. Actions holds every action
// issued on the device for the step, one per attempt that reached the wire.
type StepResult struct {
	Outcome  types.ActionOutcome
	Verified bool
	Attempts int
	Detail   string
	Actions  []types.Action
}

// Executor executes planned steps against a device.
type Executor struct {
	cfg      config.ExecutorConfig
	grounder Grounder
	bus      *bus.Bus
	log      zerolog.Logger

	// sleep is swapped out in tests.
	sleep func(context.Context, time.Duration) error
}

func New(cfg config.ExecutorConfig, grounder Grounder, b *bus.Bus, logger zerolog.Logger) *Executor {
	return &Executor{
		cfg:      cfg,
		grounder: grounder,
		bus:      b,
		log:      logger,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs one step to a verified effect. It retries rejected, timed-out,
// and applied-but-unverified attempts up to the configured budget and returns
// an error only when the step is abandoned. Each attempt runs under the
// configured step timeout. Cancellation is honored between attempts, never
// between an issued action and its verification.
func (e *Executor) Execute(ctx context.Context, device Device, step *llm.PlannedStep) (*StepResult, error) {
	res := &StepResult{Outcome: types.OutcomePending}

	var hint string
	for attempt := 0; attempt <= e.cfg.StepRetries; attempt++ {
		res.Attempts = attempt + 1

		if err := ctx.Err(); err != nil {
			res.Detail = "cancelled"
			return res, fmt.Errorf("step %q: %w", step.Description, types.ErrAborted)
		}
		if attempt > 0 {
			e.publishStep(bus.EventStepRetried, device.DeviceID(), step, res)
			if err := e.sleep(ctx, e.cfg.RetryBackoff); err != nil {
				return res, fmt.Errorf("step %q: %w", step.Description, types.ErrAborted)
			}
		}

		verified, err := e.runAttempt(ctx, device, step, hint, res)
		if err != nil {
			if errors.Is(err, types.ErrGroundingAmbiguous) && hint == "" {
				// One refined retry, then escalate.
				hint = fmt.Sprintf("the element described as %q was not located confidently, look for synonyms or nearby labels", step.Target)
				e.publishGroundingFailure(device.DeviceID(), step, err)
				continue
			}
			res.Detail = err.Error()
			if isFatal(err) {
				return res, err
			}
			continue
		}
		if verified {
			res.Verified = true
			e.publishStep(bus.EventStepVerified, device.DeviceID(), step, res)
			return res, nil
		}

		// Applied but unverified; re-observe and re-ground on the next pass.
		e.log.Debug().
			Str("device", device.DeviceID()).
			Str("step", step.Description).
			Str("detail", res.Detail).
			Msg("effect unverified")
	}

	return res, fmt.Errorf("step %q unverified after %d attempts (%s): %w",
		step.Description, res.Attempts, res.Detail, types.ErrStepTimeout)
}

// runAttempt performs one ground, issue, verify pass with its own deadline.
func (e *Executor) runAttempt(ctx context.Context, device Device, step *llm.PlannedStep, hint string, res *StepResult) (bool, error) {
	actx, cancel := e.attemptContext(ctx)
	defer cancel()

	before, err := e.attempt(actx, device, step, hint, res)
	if err != nil {
		return false, err
	}
	verified, detail, err := e.verify(actx, device, step, before)
	if err != nil {
		return false, err
	}
	res.Detail = detail
	return verified, nil
}

func (e *Executor) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.StepTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.StepTimeout)
}

// attempt grounds and issues the step's action once, logging the issued
// action on the result. The returned capture is the pre-action view hierarchy
// used by screen_changed verification.
func (e *Executor) attempt(ctx context.Context, device Device, step *llm.PlannedStep, hint string, res *StepResult) (*bridge.ScreenCapture, error) {
	before, err := e.observe(ctx, device, step)
	if err != nil {
		return nil, err
	}

	params, err := e.buildParams(ctx, device, step, before, hint)
	if err != nil {
		return before, err
	}

	act := types.Action{
		ID:         uuid.NewString(),
		Type:       step.Action,
		Parameters: params,
		IssuedAt:   time.Now().UTC(),
	}
	start := time.Now()
	reply, err := device.Do(ctx, step.Action, params)
	switch {
	case err != nil && (errors.Is(err, types.ErrStepTimeout) || errors.Is(err, context.DeadlineExceeded)):
		act.Outcome = types.OutcomeTimedOut
	case err != nil:
		act.Outcome = types.OutcomePending
	case !reply.OK():
		act.Outcome = types.OutcomeRejected
	default:
		act.Outcome = types.OutcomeApplied
	}
	res.Outcome = act.Outcome
	res.Actions = append(res.Actions, act)

	if err != nil {
		return before, err
	}
	if !reply.OK() {
		return before, fmt.Errorf("device rejected %s: %s", step.Action, reply.Message)
	}

	e.log.Debug().
		Str("device", device.DeviceID()).
		Str("action", step.Action).
		Dur("took", time.Since(start)).
		Msg("action applied")
	return before, nil
}

// observe captures the screen state a step needs. Targetless steps with no
// effect predicate skip the capture; swipes always observe because the stroke
// coordinates derive from the screen dimensions.
func (e *Executor) observe(ctx context.Context, device Device, step *llm.PlannedStep) (*bridge.ScreenCapture, error) {
	if step.Target == "" && step.Expect.Kind == "none" && step.Action != bridge.ActionSwipe {
		return nil, nil
	}
	view, err := device.ViewHierarchy(ctx)
	if err != nil {
		return nil, err
	}
	if step.Target != "" {
		shot, err := device.Screenshot(ctx)
		if err != nil {
			return nil, err
		}
		view.Image = shot.Image
		if view.Width == 0 {
			view.Width, view.Height = shot.Width, shot.Height
		}
	}
	return view, nil
}

// buildParams assembles the wire parameters, grounding the target when the
// step names one.
func (e *Executor) buildParams(ctx context.Context, device Device, step *llm.PlannedStep, before *bridge.ScreenCapture, hint string) (map[string]any, error) {
	params := map[string]any{}

	if step.Target != "" {
		target, err := e.grounder.Ground(ctx, &llm.GroundContext{
			TargetDescription: step.Target,
			Screenshot:        before.Image,
			ViewHierarchy:     before.Views,
			ScreenWidth:       before.Width,
			ScreenHeight:      before.Height,
			Hint:              hint,
		})
		if err != nil {
			return nil, err
		}
		root, err := parseViews(before.Views)
		if err != nil {
			return nil, fmt.Errorf("parse view hierarchy: %w", err)
		}
		x, y := snapToClickable(root, target.X, target.Y, e.cfg.SnapRadius)
		params["x"], params["y"] = x, y
	}

	switch step.Action {
	case bridge.ActionTap:
		params["durationMs"] = tapDurationMs
	case bridge.ActionInputText, bridge.ActionSetClipboard:
		params["text"] = step.Text
	case bridge.ActionKeyEvent:
		params["key"] = step.Key
	case bridge.ActionSwipe:
		w, h := screenDims(before)
		sx, sy := w/2, h/2
		if x, ok := params["x"].(int); ok {
			sx, sy = x, params["y"].(int)
			delete(params, "x")
			delete(params, "y")
		}
		x1, y1, x2, y2 := swipeStroke(step.Direction, sx, sy, w, h)
		params["x1"], params["y1"] = x1, y1
		params["x2"], params["y2"] = x2, y2
		params["durationMs"] = swipeDurationMs
	case bridge.ActionLaunchApp:
		params["app"] = step.App
	case bridge.ActionWait:
		params["ms"] = step.WaitMs
	}
	return params, nil
}

// Press and travel times sent with pointer gestures.
const (
	tapDurationMs   = 200
	swipeDurationMs = 300
)

// Fallback dimensions for bridges that omit them from captures.
const (
	defaultScreenW = 1080
	defaultScreenH = 1920
)

func screenDims(capture *bridge.ScreenCapture) (int, int) {
	if capture == nil || capture.Width == 0 || capture.Height == 0 {
		return defaultScreenW, defaultScreenH
	}
	return capture.Width, capture.Height
}

// swipeStroke turns a direction into an absolute stroke. The finger starts at
// the grounded point, or the screen center, and travels two fifths of the
// screen along the axis, clamped so the stroke stays on screen.
func swipeStroke(direction string, startX, startY, width, height int) (x1, y1, x2, y2 int) {
	x1, y1 = startX, startY
	x2, y2 = startX, startY
	switch direction {
	case "up":
		y2 = clampAxis(y1-height*2/5, height)
	case "down":
		y2 = clampAxis(y1+height*2/5, height)
	case "left":
		x2 = clampAxis(x1-width*2/5, width)
	case "right":
		x2 = clampAxis(x1+width*2/5, width)
	}
	return x1, y1, x2, y2
}

func clampAxis(v, limit int) int {
	margin := limit / 20
	if v < margin {
		return margin
	}
	if v > limit-margin {
		return limit - margin
	}
	return v
}

// verify re-observes the screen and evaluates the step's effect predicate.
func (e *Executor) verify(ctx context.Context, device Device, step *llm.PlannedStep, before *bridge.ScreenCapture) (bool, string, error) {
	switch step.Expect.Kind {
	case "", "none":
		return true, "no predicate", nil
	}

	after, err := device.ViewHierarchy(ctx)
	if err != nil {
		return false, "", err
	}
	root, err := parseViews(after.Views)
	if err != nil {
		return false, "", fmt.Errorf("parse view hierarchy: %w", err)
	}

	switch step.Expect.Kind {
	case "element_appears", "text_present":
		if hasText(root, step.Expect.Value) {
			return true, fmt.Sprintf("%q present", step.Expect.Value), nil
		}
		return false, fmt.Sprintf("%q not on screen", step.Expect.Value), nil
	case "element_gone":
		if !hasText(root, step.Expect.Value) {
			return true, fmt.Sprintf("%q gone", step.Expect.Value), nil
		}
		return false, fmt.Sprintf("%q still on screen", step.Expect.Value), nil
	case "field_contains":
		if fieldContains(root, step.Expect.Value) {
			return true, fmt.Sprintf("field holds %q", step.Expect.Value), nil
		}
		return false, fmt.Sprintf("no field holds %q", step.Expect.Value), nil
	case "screen_changed":
		if before == nil || string(before.Views) != string(after.Views) {
			return true, "screen changed", nil
		}
		return false, "screen unchanged", nil
	default:
		return false, "", fmt.Errorf("unknown effect predicate %q", step.Expect.Kind)
	}
}

// isFatal separates errors that end the task from ones worth another attempt.
func isFatal(err error) bool {
	return errors.Is(err, types.ErrBridgeClosed) ||
		errors.Is(err, types.ErrDeviceUnreachable) ||
		errors.Is(err, types.ErrGroundingAmbiguous) ||
		errors.Is(err, types.ErrProviderUnavailable) ||
		errors.Is(err, types.ErrAborted) ||
		errors.Is(err, context.Canceled)
}

func (e *Executor) publishStep(t bus.EventType, deviceID string, step *llm.PlannedStep, res *StepResult) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Type:     t,
		DeviceID: deviceID,
		Content:  step.Description,
		Fields:   map[string]any{"attempts": res.Attempts, "outcome": string(res.Outcome)},
	})
}

func (e *Executor) publishGroundingFailure(deviceID string, step *llm.PlannedStep, err error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Type:     bus.EventGroundingFailed,
		DeviceID: deviceID,
		Content:  step.Target,
		Error:    err.Error(),
	})
}
