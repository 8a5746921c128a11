// Package orchestrator owns the session lifecycle: it turns inbound chat
// messages into tasks, schedules them onto devices with per-device mutual
// exclusion, and reports outcomes back through chat and memory.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/internal/chat"
	"github.com/mobileclaw/mobileclaw/internal/config"
	"github.com/mobileclaw/mobileclaw/internal/executor"
	"github.com/mobileclaw/mobileclaw/internal/llm"
	"github.com/mobileclaw/mobileclaw/internal/logging"
	"github.com/mobileclaw/mobileclaw/internal/memory"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// Planner decides the next move for a task. *llm.Planner satisfies it.
type Planner interface {
	NextMove(ctx context.Context, pc *llm.PlanContext) (*llm.PlanMove, error)
	Conclude(ctx context.Context, goal string, history []string) (string, error)
}

// StepRunner executes one planned step to a verified effect.
// *executor.Executor satisfies it.
type StepRunner interface {
	Execute(ctx context.Context, device executor.Device, step *llm.PlannedStep) (*executor.StepResult, error)
}

// Orchestrator routes conversations to sessions and tasks to devices.
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	agent   string
	devices Devices
	// deviceIDs is the sorted pool tasks are placed on.
	deviceIDs []string
	queue     *deviceQueue
	exec      StepRunner
	planner   Planner
	store     *memory.Store
	router    *chat.Router
	bus       *bus.Bus
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Devices   Devices
	DeviceIDs []string
	Executor  StepRunner
	Planner   Planner
	Store     *memory.Store
	Router    *chat.Router
	Bus       *bus.Bus
	Logger    zerolog.Logger
}

func New(cfg config.OrchestratorConfig, agent string, deps Deps) *Orchestrator {
	ids := append([]string(nil), deps.DeviceIDs...)
	sort.Strings(ids)
	return &Orchestrator{
		cfg:       cfg,
		agent:     agent,
		devices:   deps.Devices,
		deviceIDs: ids,
		queue:     newDeviceQueue(),
		exec:      deps.Executor,
		planner:   deps.Planner,
		store:     deps.Store,
		router:    deps.Router,
		bus:       deps.Bus,
		log:       deps.Logger,
		sessions:  make(map[string]*Session),
		done:      make(chan struct{}),
	}
}

// Run consumes the chat router's inbound stream until ctx ends. The session
// reaper runs alongside with an adaptive interval that backs off while the
// orchestrator is idle.
func (o *Orchestrator) Run(ctx context.Context) {
	o.wg.Add(1)
	go o.reapIdleSessions(ctx)

	// A device that gave up reconnecting is worth telling the whole org about,
	// not just whichever chat happened to be driving it.
	sub := o.bus.Subscribe(bus.EventDeviceDisconnected, func(ev bus.Event) {
		msg := fmt.Sprintf("device %s is offline, reconnect attempts exhausted", ev.DeviceID)
		if err := o.router.SendToOrg(context.Background(), msg); err != nil {
			o.log.Warn().Err(err).Str("device", ev.DeviceID).Msg("offline notice undeliverable")
		}
	})
	defer o.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return
		case msg, ok := <-o.router.Inbound():
			if !ok {
				o.shutdown()
				return
			}
			o.HandleMessage(msg)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.once.Do(func() { close(o.done) })
	o.mu.Lock()
	for _, s := range o.sessions {
		s.Cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// HandleMessage routes one inbound message: an answer if its session awaits
// confirmation, a cancellation or mid-task note if a task is running, and a
// new task otherwise.
func (o *Orchestrator) HandleMessage(msg chat.CanonicalMessage) {
	sess := o.sessionFor(msg)
	sess.touch()

	if len(msg.Attachments) > 0 {
		o.storeAttachments(msg)
	}

	switch sess.Status() {
	case types.SessionAwaitingConfirmation:
		sess.answer(msg.Text)
	case types.SessionPlanning, types.SessionActing:
		if cancelWords[normalize(msg.Text)] {
			sess.Cancel()
			return
		}
		sess.note(msg.Text)
	default:
		if strings.TrimSpace(msg.Text) == "" {
			return
		}
		o.startTask(sess, msg.Text)
	}
}

// storeAttachments files inbound chat attachments into the shared subtree.
// Only a channel manager may add to org_shared/files; the outcome is reported
// back into the originating chat.
func (o *Orchestrator) storeAttachments(msg chat.CanonicalMessage) {
	ctx, cancel := logging.DetachContextWithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	actor := memory.Actor{Name: msg.SenderID, Role: o.router.RoleOf(msg.Channel, msg.SenderID)}
	for _, p := range msg.Attachments {
		name := filepath.Base(p)
		data, err := os.ReadFile(p)
		if err != nil {
			o.log.Warn().Err(err).Str("attachment", p).Msg("attachment unreadable")
			o.reply(ctx, msg, fmt.Sprintf("could not read attachment %q", name))
			continue
		}
		key, err := o.store.AttachFile(ctx, name, data, actor)
		if err != nil {
			o.reply(ctx, msg, fmt.Sprintf("attachment %q not stored: %v", name, err))
			continue
		}
		o.reply(ctx, msg, "stored "+key)
	}
}

func (o *Orchestrator) reply(ctx context.Context, msg chat.CanonicalMessage, text string) {
	if err := o.router.SendReply(ctx, msg, text, nil); err != nil {
		o.log.Warn().Err(err).Str("channel", msg.Channel).Msg("reply undeliverable")
	}
}

// Session returns the session by id, if it exists.
func (o *Orchestrator) Session(id string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.sessions {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Sessions snapshots the live sessions.
func (o *Orchestrator) Sessions() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	return out
}

// Cancel aborts the running task of the identified session.
func (o *Orchestrator) Cancel(sessionID string) bool {
	s, ok := o.Session(sessionID)
	if !ok {
		return false
	}
	return s.Cancel()
}

func (o *Orchestrator) sessionFor(msg chat.CanonicalMessage) *Session {
	key := msg.Channel + "/" + msg.ChatID

	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[key]; ok {
		return s
	}
	s := newSession(msg, o.pickDevice())
	o.sessions[key] = s
	o.log.Info().
		Str("session", s.ID).
		Str("device", s.Device).
		Str("channel", msg.Channel).
		Msg("session opened")
	return s
}

// pickDevice places a new session on the least-loaded device.
func (o *Orchestrator) pickDevice() string {
	best := ""
	bestDepth := 0
	for _, id := range o.deviceIDs {
		d := o.queue.queueDepth(id)
		if best == "" || d < bestDepth {
			best, bestDepth = id, d
		}
	}
	return best
}

// startTask launches the task goroutine for a session. Sessions run one task
// at a time.
func (o *Orchestrator) startTask(sess *Session, goal string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TaskTimeout)
	sess.setCancel(cancel)
	sess.setStatus(types.SessionPlanning)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.runSessionTask(ctx, sess, goal)
	}()
}

func (o *Orchestrator) runSessionTask(ctx context.Context, sess *Session, goal string) {
	task := newTask(goal, 0)
	sess.mu.Lock()
	sess.current = task
	sess.mu.Unlock()

	dev, err := o.devices.Connect(ctx, sess.Device)
	if err != nil {
		o.finishTask(ctx, sess, task, o.failTask(sess, task, err))
		return
	}
	if err := o.queue.acquire(ctx, dev); err != nil {
		o.finishTask(ctx, sess, task, o.failTask(sess, task, err))
		return
	}
	defer o.queue.release(dev)

	result := o.runTask(ctx, sess, dev, task)
	o.finishTask(ctx, sess, task, result)
}

// finishTask records the outcome, persists the conclusion, and answers the
// originating chat. The context may already be cancelled; durable writes and
// the reply use a detached one.
func (o *Orchestrator) finishTask(ctx context.Context, sess *Session, task *Task, result types.TaskResult) {
	sess.mu.Lock()
	task.Result = result
	sess.mu.Unlock()

	end, endCancel := logging.DetachContextWithTimeout(ctx, time.Minute)
	defer endCancel()

	var reply string
	switch result.Status {
	case types.TaskSuccess:
		sess.setStatus(types.SessionDone)
		reply = result.Reason
		if reply == "" {
			reply = "done"
		}
		o.persistConclusion(end, sess, task)
	default:
		sess.setStatus(types.SessionFailed)
		switch {
		case task.Err != nil:
			reply = types.UserMessage(task.Err)
		case result.Reason != "":
			reply = result.Reason
		default:
			reply = "the task could not be completed"
		}
	}

	if err := o.store.AppendLog(end, o.agent, fmt.Sprintf("task %q: %s", task.Goal, result.Status)); err != nil {
		o.log.Warn().Err(err).Msg("log append failed")
	}
	if err := o.router.SendReply(end, sess.Origin, reply, nil); err != nil {
		o.log.Warn().Err(err).Str("session", sess.ID).Msg("reply undeliverable")
	}

	o.publishTask(bus.EventTaskFinished, sess, task, string(result.Status))

	// The session returns to Idle so the conversation can start another task.
	sess.setStatus(types.SessionIdle)
}

// persistConclusion writes the task summary into the agent's own namespace so
// later tasks can recall it.
func (o *Orchestrator) persistConclusion(ctx context.Context, sess *Session, task *Task) {
	summary, err := o.planner.Conclude(ctx, task.Goal, task.History)
	if err != nil || summary == "" {
		o.log.Debug().Err(err).Msg("no task conclusion produced")
		return
	}
	key := fmt.Sprintf("own/%s/tasks/%s_%s.md",
		o.agent, time.Now().UTC().Format("2006-01-02"), task.ID[:8])
	if _, err := o.store.Write(ctx, key, summary, o.actor(sess), 0); err != nil {
		o.log.Warn().Err(err).Str("key", key).Msg("conclusion write failed")
	}
}

// reapIdleSessions drops sessions with no traffic past the idle timeout. The
// sweep interval doubles while nothing expires, capped by IdlePollCap, and
// resets after a reap.
func (o *Orchestrator) reapIdleSessions(ctx context.Context) {
	defer o.wg.Done()

	interval := time.Minute
	if o.cfg.IdlePollCap < interval {
		interval = o.cfg.IdlePollCap
	}
	base := interval

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case <-timer.C:
		}

		if o.reapOnce() {
			interval = base
		} else if interval < o.cfg.IdlePollCap {
			interval *= 2
			if interval > o.cfg.IdlePollCap {
				interval = o.cfg.IdlePollCap
			}
		}
		timer.Reset(interval)
	}
}

func (o *Orchestrator) reapOnce() bool {
	cutoff := time.Now().Add(-o.cfg.SessionIdleTimeout)

	o.mu.Lock()
	defer o.mu.Unlock()
	reaped := false
	for key, s := range o.sessions {
		if !s.busy() && s.idleSince().Before(cutoff) {
			delete(o.sessions, key)
			reaped = true
			o.log.Info().Str("session", s.ID).Msg("idle session expired")
		}
	}
	return reaped
}

// actor builds the memory identity for writes made on behalf of a session.
// The name is always the agent's, but the role comes from whoever is driving
// the session, so member-originated tasks cannot touch the shared namespaces.
func (o *Orchestrator) actor(sess *Session) memory.Actor {
	return memory.Actor{Name: o.agent, Role: o.router.RoleOf(sess.Origin.Channel, sess.Origin.SenderID)}
}

func (o *Orchestrator) publishState(sess *Session, dev Device) {
	o.bus.Publish(bus.Event{
		Type:      bus.EventTaskState,
		SessionID: sess.ID,
		DeviceID:  dev.DeviceID(),
		Content:   string(sess.Status()),
	})
}

func (o *Orchestrator) publishTask(t bus.EventType, sess *Session, task *Task, detail string) {
	ev := bus.Event{
		Type:      t,
		SessionID: sess.ID,
		TaskID:    task.ID,
		DeviceID:  sess.Device,
		Content:   task.Goal,
	}
	if detail != "" {
		ev.Fields = map[string]any{"result": detail}
	}
	o.bus.Publish(ev)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
