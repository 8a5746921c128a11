package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/internal/llm"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// historyWindow bounds how much action history each planning turn sees.
const historyWindow = 40

var cancelWords = map[string]bool{"cancel": true, "stop": true, "abort": true}

// runTask drives one task through plan and act cycles until a terminal move,
// a fatal error, or an exhausted budget. Sub-tasks recurse here and share the
// parent's step budget.
func (o *Orchestrator) runTask(ctx context.Context, sess *Session, dev Device, task *Task) types.TaskResult {
	o.publishTask(bus.EventTaskStarted, sess, task, "")

	for {
		if err := ctx.Err(); err != nil {
			return types.TaskResult{Status: types.TaskAborted, Reason: "cancelled"}
		}
		if task.StepCount >= o.cfg.StepBudget {
			return o.failTask(sess, task, types.ErrBudgetExhausted)
		}
		for _, n := range sess.drainNotes() {
			if cancelWords[strings.ToLower(strings.TrimSpace(n))] {
				return types.TaskResult{Status: types.TaskAborted, Reason: "cancelled by user"}
			}
			task.record("user said: " + n)
		}

		sess.setStatus(types.SessionPlanning)
		o.publishState(sess, dev)

		move, err := o.nextMove(ctx, sess, dev, task)
		if err != nil {
			return o.failTask(sess, task, err)
		}

		switch move.Move {
		case llm.MoveSteps:
			if res := o.runSteps(ctx, sess, dev, task, move.Steps); res != nil {
				return *res
			}

		case llm.MoveConfirm:
			approved, res := o.awaitConfirmation(ctx, sess, dev, task, move)
			if res != nil {
				return *res
			}
			if !approved {
				task.record("user declined: " + move.Confirm)
				continue
			}
			task.record("user approved: " + move.Confirm)
			if res := o.runSteps(ctx, sess, dev, task, move.Steps); res != nil {
				return *res
			}

		case llm.MoveSubtask:
			if task.Depth+1 > o.cfg.MaxNesting {
				task.record(fmt.Sprintf("subtask %q rejected: nesting limit %d reached",
					move.SubtaskGoal, o.cfg.MaxNesting))
				continue
			}
			sub := newTask(move.SubtaskGoal, task.Depth+1)
			sub.StepCount = task.StepCount
			res := o.runTask(ctx, sess, dev, sub)
			task.StepCount = sub.StepCount
			task.record(fmt.Sprintf("subtask %q finished: %s %s", sub.Goal, res.Status, res.Reason))

		case llm.MoveMemoryRead:
			o.readMemory(ctx, task, move.MemoryKey)

		case llm.MoveMemoryWrite:
			o.writeMemory(ctx, sess, task, move.MemoryKey, move.Content)

		case llm.MoveComplete:
			return types.TaskResult{Status: types.TaskSuccess, Reason: move.Summary}

		case llm.MoveFail:
			return types.TaskResult{Status: types.TaskFailure, Reason: move.Summary}

		default:
			task.record(fmt.Sprintf("unsupported move %q ignored", move.Move))
		}
	}
}

// nextMove observes the screen and asks the planner for its decision.
func (o *Orchestrator) nextMove(ctx context.Context, sess *Session, dev Device, task *Task) (*llm.PlanMove, error) {
	var screenshot string
	if shot, err := dev.Screenshot(ctx); err == nil {
		screenshot = shot.Image
	} else if isFatalTaskErr(err) {
		return nil, err
	} else {
		task.record("screen observation failed: " + err.Error())
	}

	history := task.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}

	return o.planner.NextMove(ctx, &llm.PlanContext{
		Goal:           task.Goal,
		History:        history,
		MemoryExcerpts: task.MemoryExcerpts,
		Screenshot:     screenshot,
		AgentInfo:      fmt.Sprintf("%s on device %s", o.agent, sess.Device),
		Depth:          task.Depth,
	})
}

// runSteps executes a plan's steps in order. A nil result means the task
// continues with another planning turn; a non-nil result ends it. A step that
// exhausts its own retry budget is terminal: the rest of the plan is marked
// NotAttempted and the task fails.
func (o *Orchestrator) runSteps(ctx context.Context, sess *Session, dev Device, task *Task, steps []llm.PlannedStep) *types.TaskResult {
	sess.setStatus(types.SessionActing)
	o.publishState(sess, dev)

	records := make([]*StepRecord, len(steps))
	for i := range steps {
		records[i] = &StepRecord{Step: steps[i], Status: types.StepPending}
	}
	task.Steps = append(task.Steps, records...)

	for i := range records {
		rec := records[i]

		if task.StepCount >= o.cfg.StepBudget {
			markNotAttempted(records[i:])
			res := o.failTask(sess, task, types.ErrBudgetExhausted)
			return &res
		}
		task.StepCount++

		o.bus.Publish(bus.Event{
			Type:      bus.EventStepStarted,
			SessionID: sess.ID,
			DeviceID:  dev.DeviceID(),
			TaskID:    task.ID,
			Content:   rec.Step.Description,
		})

		result, err := o.exec.Execute(ctx, dev, &rec.Step)
		if result != nil {
			rec.Attempt = result.Attempts
			rec.Detail = result.Detail
		}

		if err != nil {
			rec.Status = types.StepFailed
			task.record(fmt.Sprintf("step %q failed: %v", rec.Step.Description, err))
			// An exhausted per-step retry budget ends the task like any
			// fatal error; only observation hiccups go back to the planner.
			if isFatalTaskErr(err) || errors.Is(err, types.ErrStepTimeout) {
				markNotAttempted(records[i+1:])
				res := o.failTask(sess, task, err)
				return &res
			}
			markNotAttempted(records[i+1:])
			return nil
		}

		rec.Status = types.StepSucceeded
		task.record(fmt.Sprintf("step %q verified (%s)", rec.Step.Description, result.Detail))
	}
	return nil
}

// awaitConfirmation posts the planner's question and blocks for the user's
// answer. Timeout and cancellation abort the task; the device is released by
// the caller's deferred release.
func (o *Orchestrator) awaitConfirmation(ctx context.Context, sess *Session, dev Device, task *Task, move *llm.PlanMove) (bool, *types.TaskResult) {
	sess.drainAnswer()
	if err := o.router.SendReply(ctx, sess.Origin, move.Confirm, nil); err != nil {
		o.log.Warn().Err(err).Str("session", sess.ID).Msg("confirmation question undeliverable")
	}

	sess.setStatus(types.SessionAwaitingConfirmation)
	o.publishState(sess, dev)

	timer := time.NewTimer(o.cfg.ConfirmTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, &types.TaskResult{Status: types.TaskAborted, Reason: "cancelled"}
	case <-timer.C:
		res := o.failTask(sess, task, fmt.Errorf("confirmation window of %s expired: %w",
			o.cfg.ConfirmTimeout, types.ErrAborted))
		return false, &res
	case reply := <-sess.answers:
		return isAffirmative(reply), nil
	}
}

func isAffirmative(reply string) bool {
	switch strings.ToLower(strings.TrimSpace(reply)) {
	case "yes", "y", "ok", "okay", "confirm", "proceed", "go ahead", "do it":
		return true
	}
	return false
}

// readMemory loads a document plus its one-hop neighborhood into the task's
// planning context. A missing key is recorded, not fatal.
func (o *Orchestrator) readMemory(ctx context.Context, task *Task, key string) {
	doc, err := o.store.Read(ctx, key)
	if err != nil {
		task.record(fmt.Sprintf("memory read %s failed: %v", key, err))
		return
	}
	task.MemoryExcerpts = append(task.MemoryExcerpts,
		fmt.Sprintf("%s:\n%s", doc.Key, doc.Content))

	reached, err := o.store.Traverse(ctx, key, 1)
	if err != nil {
		o.log.Debug().Err(err).Str("key", key).Msg("link traversal failed")
		reached = nil
	}
	for _, linked := range reached {
		if linked == key {
			continue
		}
		ld, err := o.store.Read(ctx, linked)
		if err != nil {
			continue
		}
		task.MemoryExcerpts = append(task.MemoryExcerpts,
			fmt.Sprintf("%s:\n%s", ld.Key, ld.Content))
	}
	task.record("read memory " + key)
}

// writeMemory persists planner knowledge with one stale-write retry: on
// conflict the current version is re-read and the write reapplied.
func (o *Orchestrator) writeMemory(ctx context.Context, sess *Session, task *Task, key, content string) {
	actor := o.actor(sess)

	version := int64(0)
	if doc, err := o.store.Read(ctx, key); err == nil {
		version = doc.Version
	}

	_, err := o.store.Write(ctx, key, content, actor, version)
	if errors.Is(err, types.ErrStaleWrite) {
		doc, rerr := o.store.Read(ctx, key)
		if rerr == nil {
			_, err = o.store.Write(ctx, key, content, actor, doc.Version)
		}
	}
	if err != nil {
		task.record(fmt.Sprintf("memory write %s failed: %v", key, err))
		return
	}
	task.record("wrote memory " + key)
}

func markNotAttempted(records []*StepRecord) {
	for _, r := range records {
		if r.Status == types.StepPending {
			r.Status = types.StepNotAttempted
		}
	}
}

// isFatalTaskErr separates errors that end the task from ones the planner can
// route around.
func isFatalTaskErr(err error) bool {
	return errors.Is(err, types.ErrBridgeClosed) ||
		errors.Is(err, types.ErrDeviceUnreachable) ||
		errors.Is(err, types.ErrGroundingAmbiguous) ||
		errors.Is(err, types.ErrProviderUnavailable) ||
		errors.Is(err, types.ErrBudgetExhausted) ||
		errors.Is(err, types.ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// failTask renders an error into the task's terminal result.
func (o *Orchestrator) failTask(sess *Session, task *Task, err error) types.TaskResult {
	status := types.TaskFailure
	if errors.Is(err, types.ErrAborted) || errors.Is(err, context.Canceled) {
		status = types.TaskAborted
	}
	task.Err = err
	task.record("task failed: " + err.Error())
	o.log.Warn().
		Err(err).
		Str("session", sess.ID).
		Str("task", task.ID).
		Msg("task failed")
	return types.TaskResult{Status: status, Reason: err.Error()}
}
