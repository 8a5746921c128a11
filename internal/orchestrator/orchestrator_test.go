package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobileclaw/mobileclaw/internal/bridge"
	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/internal/chat"
	"github.com/mobileclaw/mobileclaw/internal/config"
	"github.com/mobileclaw/mobileclaw/internal/executor"
	"github.com/mobileclaw/mobileclaw/internal/llm"
	"github.com/mobileclaw/mobileclaw/internal/memory"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

type fakeDevice struct {
	id string

	mu    sync.Mutex
	state types.DeviceState
}

func newFakeDevice(id string) *fakeDevice {
	return &fakeDevice{id: id, state: types.DeviceReady}
}

func (d *fakeDevice) DeviceID() string { return d.id }

func (d *fakeDevice) State() types.DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDevice) MarkBusy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != types.DeviceReady {
		return false
	}
	d.state = types.DeviceBusy
	return true
}

func (d *fakeDevice) MarkReady() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == types.DeviceBusy {
		d.state = types.DeviceReady
	}
}

func (d *fakeDevice) Do(ctx context.Context, actionType string, params map[string]any) (*bridge.Reply, error) {
	return &bridge.Reply{Status: bridge.StatusSuccess}, nil
}

func (d *fakeDevice) Screenshot(ctx context.Context) (*bridge.ScreenCapture, error) {
	return &bridge.ScreenCapture{Image: "aW1n", Width: 1080, Height: 1920}, nil
}

func (d *fakeDevice) ViewHierarchy(ctx context.Context) (*bridge.ScreenCapture, error) {
	return &bridge.ScreenCapture{Width: 1080, Height: 1920}, nil
}

type fakeDevices struct {
	devs map[string]*fakeDevice
}

func (f *fakeDevices) Connect(ctx context.Context, id string) (Device, error) {
	d, ok := f.devs[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, types.ErrNotFound)
	}
	return d, nil
}

// funcPlanner delegates moves to a test closure.
type funcPlanner struct {
	fn func(pc *llm.PlanContext) (*llm.PlanMove, error)
}

func (p *funcPlanner) NextMove(ctx context.Context, pc *llm.PlanContext) (*llm.PlanMove, error) {
	return p.fn(pc)
}

func (p *funcPlanner) Conclude(ctx context.Context, goal string, history []string) (string, error) {
	return "summary of " + goal, nil
}

// scriptPlanner pops moves in order; an exhausted script completes the task.
type scriptPlanner struct {
	mu    sync.Mutex
	moves []*llm.PlanMove
}

func (p *scriptPlanner) NextMove(ctx context.Context, pc *llm.PlanContext) (*llm.PlanMove, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.moves) == 0 {
		return &llm.PlanMove{Move: llm.MoveComplete, Summary: "all done"}, nil
	}
	m := p.moves[0]
	p.moves = p.moves[1:]
	return m, nil
}

func (p *scriptPlanner) Conclude(ctx context.Context, goal string, history []string) (string, error) {
	return "summary of " + goal, nil
}

// funcRunner delegates step execution to a test closure and counts calls.
type funcRunner struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, step *llm.PlannedStep) (*executor.StepResult, error)
}

func (r *funcRunner) Execute(ctx context.Context, device executor.Device, step *llm.PlannedStep) (*executor.StepResult, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(call, step)
	}
	return &executor.StepResult{Outcome: types.OutcomeApplied, Verified: true, Attempts: 1}, nil
}

func (r *funcRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func steps(n int) []llm.PlannedStep {
	out := make([]llm.PlannedStep, n)
	for i := range out {
		out[i] = llm.PlannedStep{
			Description: fmt.Sprintf("step %d", i+1),
			Action:      bridge.ActionTap,
			Target:      fmt.Sprintf("button %d", i+1),
			Expect:      llm.Expectation{Kind: "none"},
		}
	}
	return out
}

func testOrchConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		StepBudget:         30,
		TaskTimeout:        5 * time.Second,
		MaxNesting:         2,
		ConfirmTimeout:     150 * time.Millisecond,
		SessionIdleTimeout: 30 * time.Minute,
		IdlePollCap:        10 * time.Minute,
	}
}

type harness struct {
	o     *Orchestrator
	lb    *chat.Loopback
	store *memory.Store
	dev   *fakeDevice
}

func newHarness(t *testing.T, cfg config.OrchestratorConfig, planner Planner, runner StepRunner) *harness {
	t.Helper()
	return newChatHarness(t, cfg, config.ChatConfig{DefaultChannel: "loopback"}, planner, runner)
}

func newChatHarness(t *testing.T, cfg config.OrchestratorConfig, chatCfg config.ChatConfig, planner Planner, runner StepRunner) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := memory.NewStore(config.MemoryConfig{
		Root:           dir,
		IndexPath:      filepath.Join(dir, "index.db"),
		TraversalDepth: 3,
	}, "acme", nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.New()
	t.Cleanup(func() { b.Close() })

	router := chat.NewRouter(chatCfg, b, zerolog.Nop())
	lb := chat.NewLoopback("loopback")
	router.Register(lb)
	t.Cleanup(router.Close)

	dev := newFakeDevice("pixel-1")
	o := New(cfg, "agent-1", Deps{
		Devices:   &fakeDevices{devs: map[string]*fakeDevice{"pixel-1": dev}},
		DeviceIDs: []string{"pixel-1"},
		Executor:  runner,
		Planner:   planner,
		Store:     store,
		Router:    router,
		Bus:       b,
		Logger:    zerolog.Nop(),
	})
	return &harness{o: o, lb: lb, store: store, dev: dev}
}

func msgFrom(chatID, text string) chat.CanonicalMessage {
	return msgFromSender(chatID, "alice", text)
}

func msgFromSender(chatID, sender, text string) chat.CanonicalMessage {
	return chat.CanonicalMessage{Channel: "loopback", ChatID: chatID, SenderID: sender, Text: text}
}

func managedChatConfig() config.ChatConfig {
	return config.ChatConfig{
		DefaultChannel: "loopback",
		Managers:       map[string]string{"loopback": "boss"},
	}
}

func (h *harness) lastReply() string {
	sent := h.lb.Sent()
	if len(sent) == 0 {
		return ""
	}
	return sent[len(sent)-1].Text
}

func (h *harness) session(t *testing.T) *Session {
	t.Helper()
	sessions := h.o.Sessions()
	require.Len(t, sessions, 1)
	return sessions[0]
}

func TestTaskRunsToCompletion(t *testing.T) {
	planner := &scriptPlanner{moves: []*llm.PlanMove{
		{Move: llm.MoveSteps, Steps: steps(2)},
	}}
	runner := &funcRunner{}
	h := newHarness(t, testOrchConfig(), planner, runner)

	h.o.HandleMessage(msgFrom("c1", "order a pizza"))

	assert.Eventually(t, func() bool {
		return h.lastReply() == "all done"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, runner.callCount())
	assert.Equal(t, types.SessionIdle, h.session(t).Status())
	assert.Equal(t, types.DeviceReady, h.dev.State())

	// The conclusion landed in the agent's own namespace.
	task := h.session(t).Current()
	require.NotNil(t, task)
	doc, err := h.store.Read(context.Background(),
		fmt.Sprintf("own/agent-1/tasks/%s_%s.md", time.Now().UTC().Format("2006-01-02"), task.ID[:8]))
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "summary of order a pizza")
}

func TestDeviceMutualExclusion(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0

	planned := map[string]bool{}
	planner := &funcPlanner{fn: func(pc *llm.PlanContext) (*llm.PlanMove, error) {
		mu.Lock()
		defer mu.Unlock()
		if !planned[pc.Goal] {
			planned[pc.Goal] = true
			return &llm.PlanMove{Move: llm.MoveSteps, Steps: steps(3)}, nil
		}
		return &llm.PlanMove{Move: llm.MoveComplete, Summary: "done: " + pc.Goal}, nil
	}}
	runner := &funcRunner{fn: func(call int, step *llm.PlannedStep) (*executor.StepResult, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return &executor.StepResult{Outcome: types.OutcomeApplied, Verified: true, Attempts: 1}, nil
	}}

	h := newHarness(t, testOrchConfig(), planner, runner)

	// Two conversations race for the single device.
	h.o.HandleMessage(msgFrom("c1", "check email"))
	h.o.HandleMessage(msgFrom("c2", "check calendar"))

	assert.Eventually(t, func() bool {
		return len(h.lb.Sent()) == 2
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxActive, "steps from different tasks overlapped on one device")
}

func TestDisconnectMidTaskMarksRemainingNotAttempted(t *testing.T) {
	planner := &scriptPlanner{moves: []*llm.PlanMove{
		{Move: llm.MoveSteps, Steps: steps(5)},
	}}
	runner := &funcRunner{fn: func(call int, step *llm.PlannedStep) (*executor.StepResult, error) {
		if call <= 2 {
			return &executor.StepResult{Outcome: types.OutcomeApplied, Verified: true, Attempts: 1}, nil
		}
		return &executor.StepResult{Outcome: types.OutcomePending, Attempts: 1},
			fmt.Errorf("send tap: %w", types.ErrBridgeClosed)
	}}
	h := newHarness(t, testOrchConfig(), planner, runner)

	h.o.HandleMessage(msgFrom("c1", "post a photo"))

	assert.Eventually(t, func() bool {
		return strings.Contains(h.lastReply(), "device unavailable")
	}, 2*time.Second, 5*time.Millisecond)

	task := h.session(t).Current()
	require.NotNil(t, task)
	require.Len(t, task.Steps, 5)
	statuses := make([]types.StepStatus, 5)
	for i, rec := range task.Steps {
		statuses[i] = rec.Status
	}
	assert.Equal(t, []types.StepStatus{
		types.StepSucceeded, types.StepSucceeded, types.StepFailed,
		types.StepNotAttempted, types.StepNotAttempted,
	}, statuses)
	assert.Equal(t, types.TaskFailure, task.Result.Status)
}

func TestConfirmationTimeoutAbortsTask(t *testing.T) {
	planner := &scriptPlanner{moves: []*llm.PlanMove{
		{Move: llm.MoveConfirm, Confirm: "Pay 29.99 for the order?", Steps: steps(1)},
	}}
	runner := &funcRunner{}
	h := newHarness(t, testOrchConfig(), planner, runner)

	h.o.HandleMessage(msgFrom("c1", "buy the thing"))

	assert.Eventually(t, func() bool {
		sent := h.lb.Sent()
		return len(sent) == 2 && strings.Contains(sent[1].Text, "no confirmation")
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "Pay 29.99 for the order?", h.lb.Sent()[0].Text)
	assert.Zero(t, runner.callCount())
	assert.Equal(t, types.TaskAborted, h.session(t).Current().Result.Status)
	// The device went back to the pool.
	assert.Equal(t, types.DeviceReady, h.dev.State())
}

func TestConfirmationApprovedRunsSteps(t *testing.T) {
	planner := &scriptPlanner{moves: []*llm.PlanMove{
		{Move: llm.MoveConfirm, Confirm: "Send the message?", Steps: steps(1)},
	}}
	runner := &funcRunner{}
	h := newHarness(t, testOrchConfig(), planner, runner)

	h.o.HandleMessage(msgFrom("c1", "message bob"))

	assert.Eventually(t, func() bool {
		return h.session(t).Status() == types.SessionAwaitingConfirmation
	}, 2*time.Second, 5*time.Millisecond)

	h.o.HandleMessage(msgFrom("c1", "yes"))

	assert.Eventually(t, func() bool {
		return h.lastReply() == "all done"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, runner.callCount())
}

func TestDoubleGroundingFailureFailsTask(t *testing.T) {
	planner := &scriptPlanner{moves: []*llm.PlanMove{
		{Move: llm.MoveSteps, Steps: steps(1)},
	}}
	runner := &funcRunner{fn: func(call int, step *llm.PlannedStep) (*executor.StepResult, error) {
		return &executor.StepResult{Outcome: types.OutcomePending, Attempts: 2},
			fmt.Errorf("confidence 0.2 below threshold: %w", types.ErrGroundingAmbiguous)
	}}
	h := newHarness(t, testOrchConfig(), planner, runner)

	h.o.HandleMessage(msgFrom("c1", "tap the weird button"))

	assert.Eventually(t, func() bool {
		return strings.Contains(h.lastReply(), "could not locate")
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, types.SessionIdle, h.session(t).Status())
	assert.Equal(t, types.TaskFailure, h.session(t).Current().Result.Status)
}

func TestStepBudgetExhaustion(t *testing.T) {
	cfg := testOrchConfig()
	cfg.StepBudget = 3

	planner := &funcPlanner{fn: func(pc *llm.PlanContext) (*llm.PlanMove, error) {
		return &llm.PlanMove{Move: llm.MoveSteps, Steps: steps(2)}, nil
	}}
	runner := &funcRunner{}
	h := newHarness(t, cfg, planner, runner)

	h.o.HandleMessage(msgFrom("c1", "scroll forever"))

	assert.Eventually(t, func() bool {
		return strings.Contains(h.lastReply(), "step budget")
	}, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, runner.callCount(), 3)
	assert.Equal(t, types.TaskFailure, h.session(t).Current().Result.Status)
}

func TestCancelMidTask(t *testing.T) {
	release := make(chan struct{})
	planner := &scriptPlanner{moves: []*llm.PlanMove{
		{Move: llm.MoveSteps, Steps: steps(3)},
	}}
	runner := &funcRunner{fn: func(call int, step *llm.PlannedStep) (*executor.StepResult, error) {
		if call == 1 {
			<-release
		}
		return &executor.StepResult{Outcome: types.OutcomeApplied, Verified: true, Attempts: 1}, nil
	}}
	h := newHarness(t, testOrchConfig(), planner, runner)

	h.o.HandleMessage(msgFrom("c1", "long errand"))

	assert.Eventually(t, func() bool {
		return h.session(t).Status() == types.SessionActing
	}, 2*time.Second, 5*time.Millisecond)

	h.o.HandleMessage(msgFrom("c1", "cancel"))
	close(release)

	assert.Eventually(t, func() bool {
		return h.session(t).Status() == types.SessionIdle
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, types.TaskAborted, h.session(t).Current().Result.Status)
}

func TestSubtaskNestingLimit(t *testing.T) {
	cfg := testOrchConfig()
	cfg.MaxNesting = 1

	var mu sync.Mutex
	asked := map[string]int{}
	planner := &funcPlanner{fn: func(pc *llm.PlanContext) (*llm.PlanMove, error) {
		mu.Lock()
		defer mu.Unlock()
		asked[pc.Goal]++
		if asked[pc.Goal] > 1 {
			return &llm.PlanMove{Move: llm.MoveComplete, Summary: "done " + pc.Goal}, nil
		}
		return &llm.PlanMove{Move: llm.MoveSubtask, SubtaskGoal: "sub of " + pc.Goal}, nil
	}}
	h := newHarness(t, cfg, planner, &funcRunner{})

	h.o.HandleMessage(msgFrom("c1", "top goal"))

	assert.Eventually(t, func() bool {
		return h.session(t).Status() == types.SessionIdle && len(h.lb.Sent()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	task := h.session(t).Current()
	joined := strings.Join(task.History, "\n")
	// Depth 1 ran; depth 2 was rejected inside it.
	assert.Contains(t, joined, `subtask "sub of top goal" finished: success`)
}

func TestMidTaskMessageSurfacesToPlanner(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	release := make(chan struct{})

	var mu sync.Mutex
	var sawNote bool
	planner := &funcPlanner{fn: func(pc *llm.PlanContext) (*llm.PlanMove, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, h := range pc.History {
			if strings.Contains(h, "user said: use the blue app") {
				sawNote = true
			}
		}
		if sawNote {
			return &llm.PlanMove{Move: llm.MoveComplete, Summary: "adjusted"}, nil
		}
		return &llm.PlanMove{Move: llm.MoveSteps, Steps: steps(1)}, nil
	}}
	runner := &funcRunner{fn: func(call int, step *llm.PlannedStep) (*executor.StepResult, error) {
		once.Do(func() { close(started) })
		<-release
		return &executor.StepResult{Outcome: types.OutcomeApplied, Verified: true, Attempts: 1}, nil
	}}
	h := newHarness(t, testOrchConfig(), planner, runner)

	h.o.HandleMessage(msgFrom("c1", "install the app"))
	<-started
	h.o.HandleMessage(msgFrom("c1", "use the blue app"))
	close(release)

	assert.Eventually(t, func() bool {
		return h.lastReply() == "adjusted"
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawNote)
}

func TestStaleAnswerDoesNotApproveConfirmation(t *testing.T) {
	planner := &scriptPlanner{moves: []*llm.PlanMove{
		{Move: llm.MoveConfirm, Confirm: "Delete all photos?", Steps: steps(1)},
	}}
	runner := &funcRunner{}
	h := newHarness(t, testOrchConfig(), planner, runner)

	// A reply from a long-gone confirmation window is still buffered when the
	// next task opens its own window.
	sess := h.o.sessionFor(msgFrom("c1", ""))
	sess.answer("yes")

	h.o.HandleMessage(msgFrom("c1", "clean up the gallery"))

	assert.Eventually(t, func() bool {
		sent := h.lb.Sent()
		return len(sent) == 2 && strings.Contains(sent[1].Text, "no confirmation")
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "Delete all photos?", h.lb.Sent()[0].Text)
	assert.Zero(t, runner.callCount())
	assert.Equal(t, types.TaskAborted, h.session(t).Current().Result.Status)
}

func TestStepRetryExhaustionFailsTask(t *testing.T) {
	planner := &scriptPlanner{moves: []*llm.PlanMove{
		{Move: llm.MoveSteps, Steps: steps(3)},
	}}
	runner := &funcRunner{fn: func(call int, step *llm.PlannedStep) (*executor.StepResult, error) {
		return &executor.StepResult{Outcome: types.OutcomeApplied, Attempts: 3},
			fmt.Errorf("step %q unverified after 3 attempts: %w", step.Description, types.ErrStepTimeout)
	}}
	h := newHarness(t, testOrchConfig(), planner, runner)

	h.o.HandleMessage(msgFrom("c1", "flip the toggle"))

	assert.Eventually(t, func() bool {
		return strings.Contains(h.lastReply(), "could not be completed")
	}, 2*time.Second, 5*time.Millisecond)

	// The failed step ended the task; no re-plan, no further steps.
	assert.Equal(t, 1, runner.callCount())
	task := h.session(t).Current()
	require.NotNil(t, task)
	assert.Equal(t, types.TaskFailure, task.Result.Status)
	require.Len(t, task.Steps, 3)
	assert.Equal(t, types.StepFailed, task.Steps[0].Status)
	assert.Equal(t, types.StepNotAttempted, task.Steps[1].Status)
	assert.Equal(t, types.StepNotAttempted, task.Steps[2].Status)
}

func TestSharedMemoryWriteNeedsManagerSender(t *testing.T) {
	key := "org_shared/knowledge/wifi.md"
	planner := &scriptPlanner{moves: []*llm.PlanMove{
		{Move: llm.MoveMemoryWrite, MemoryKey: key, Content: "guest network password is hunter2"},
	}}
	h := newChatHarness(t, testOrchConfig(), managedChatConfig(), planner, &funcRunner{})

	// alice is a plain member on the loopback channel.
	h.o.HandleMessage(msgFrom("c1", "save the wifi password"))

	assert.Eventually(t, func() bool {
		return h.lastReply() == "all done"
	}, 2*time.Second, 5*time.Millisecond)

	_, err := h.store.Read(context.Background(), key)
	assert.Error(t, err, "member-originated task wrote into the shared subtree")
	joined := strings.Join(h.session(t).Current().History, "\n")
	assert.Contains(t, joined, "memory write "+key+" failed")
}

func TestSharedMemoryWriteAllowedForManagerSender(t *testing.T) {
	key := "org_shared/knowledge/wifi.md"
	planner := &scriptPlanner{moves: []*llm.PlanMove{
		{Move: llm.MoveMemoryWrite, MemoryKey: key, Content: "guest network password is hunter2"},
	}}
	h := newChatHarness(t, testOrchConfig(), managedChatConfig(), planner, &funcRunner{})

	h.o.HandleMessage(msgFromSender("c1", "boss", "save the wifi password"))

	assert.Eventually(t, func() bool {
		return h.lastReply() == "all done"
	}, 2*time.Second, 5*time.Millisecond)

	doc, err := h.store.Read(context.Background(), key)
	require.NoError(t, err)
	assert.Contains(t, doc.Content, "hunter2")
}

func TestMemoryReadPullsLinkedDocuments(t *testing.T) {
	ctx := context.Background()
	var sawLinked bool
	var mu sync.Mutex
	planner := &funcPlanner{fn: func(pc *llm.PlanContext) (*llm.PlanMove, error) {
		mu.Lock()
		defer mu.Unlock()
		for _, ex := range pc.MemoryExcerpts {
			if strings.Contains(ex, "passcode is 1234") {
				sawLinked = true
			}
		}
		if len(pc.MemoryExcerpts) == 0 {
			return &llm.PlanMove{Move: llm.MoveMemoryRead, MemoryKey: "own/agent-1/apps/banking.md"}, nil
		}
		return &llm.PlanMove{Move: llm.MoveComplete, Summary: "recalled"}, nil
	}}
	h := newHarness(t, testOrchConfig(), planner, &funcRunner{})

	agent := memory.Actor{Name: "agent-1", Role: types.RoleMember}
	_, err := h.store.Write(ctx, "own/agent-1/apps/pin.md", "passcode is 1234", agent, 0)
	require.NoError(t, err)
	_, err = h.store.Write(ctx, "own/agent-1/apps/banking.md",
		"login notes, see [[own/agent-1/apps/pin.md]]", agent, 0)
	require.NoError(t, err)

	h.o.HandleMessage(msgFrom("c1", "open the banking app"))

	assert.Eventually(t, func() bool {
		return h.lastReply() == "recalled"
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawLinked, "linked document was not pulled into the planning context")
}

func TestDeviceOfflineNoticeReachesOrgChannel(t *testing.T) {
	h := newHarness(t, testOrchConfig(), &scriptPlanner{}, &funcRunner{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() { cancel(); <-done })

	// Wait for Run to register its bus subscription before publishing the
	// one-shot event, or it is lost to the startup race.
	require.Eventually(t, func() bool {
		return h.o.bus.SubscriptionsCount() > 0
	}, 2*time.Second, 5*time.Millisecond)

	h.o.bus.Publish(bus.Event{Type: bus.EventDeviceDisconnected, DeviceID: "pixel-1"})

	assert.Eventually(t, func() bool {
		return strings.Contains(h.lastReply(), "pixel-1 is offline")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAttachmentStoredByManagerSender(t *testing.T) {
	h := newChatHarness(t, testOrchConfig(), managedChatConfig(), &scriptPlanner{}, &funcRunner{})

	p := filepath.Join(t.TempDir(), "warranty.pdf")
	require.NoError(t, os.WriteFile(p, []byte("%PDF-1.4"), 0644))

	msg := msgFromSender("c1", "boss", "")
	msg.Attachments = []string{p}
	h.o.HandleMessage(msg)

	sent := h.lb.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "stored org_shared/files/")
	assert.Contains(t, sent[0].Text, "warranty.pdf")

	key := strings.TrimPrefix(sent[0].Text, "stored ")
	_, err := h.store.Read(context.Background(), key)
	require.NoError(t, err)
}

func TestAttachmentDeniedForMemberSender(t *testing.T) {
	h := newChatHarness(t, testOrchConfig(), managedChatConfig(), &scriptPlanner{}, &funcRunner{})

	p := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(p, []byte("hi"), 0644))

	msg := msgFrom("c1", "")
	msg.Attachments = []string{p}
	h.o.HandleMessage(msg)

	sent := h.lb.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "not stored")
}

func TestTaskStatusTracksLifecycle(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	planner := &scriptPlanner{moves: []*llm.PlanMove{
		{Move: llm.MoveSteps, Steps: steps(1)},
	}}
	runner := &funcRunner{fn: func(call int, step *llm.PlannedStep) (*executor.StepResult, error) {
		once.Do(func() { close(started) })
		<-release
		return &executor.StepResult{Outcome: types.OutcomeApplied, Verified: true, Attempts: 1}, nil
	}}
	h := newHarness(t, testOrchConfig(), planner, runner)

	sess := h.o.sessionFor(msgFrom("c1", ""))
	assert.Empty(t, sess.TaskStatus())

	h.o.HandleMessage(msgFrom("c1", "long errand"))
	<-started
	assert.Equal(t, types.TaskRunning, sess.TaskStatus())

	close(release)
	assert.Eventually(t, func() bool {
		return sess.TaskStatus() == types.TaskSuccess
	}, 2*time.Second, 5*time.Millisecond)
}
