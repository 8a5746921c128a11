package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobileclaw/mobileclaw/internal/chat"
	"github.com/mobileclaw/mobileclaw/internal/llm"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// StepRecord tracks one planned step through its lifecycle. Steps of an
// abandoned plan stay NotAttempted.
type StepRecord struct {
	Step    llm.PlannedStep
	Status  types.StepStatus
	Detail  string
	Attempt int
}

// Task is one goal being pursued, possibly nested under a parent.
type Task struct {
	ID    string
	Goal  string
	Depth int

	Steps   []*StepRecord
	History []string
	// MemoryExcerpts accumulates documents the planner asked for.
	MemoryExcerpts []string

	StepCount int
	Result    types.TaskResult
	// Err holds the terminal error behind a Failure or Aborted result.
	Err error
}

func newTask(goal string, depth int) *Task {
	return &Task{
		ID:    uuid.NewString(),
		Goal:  goal,
		Depth: depth,
	}
}

func (t *Task) record(line string) {
	t.History = append(t.History, line)
}

// Session is one conversation's stateful agent loop. A session owns at most
// one running task at a time; its Status mirrors the task lifecycle.
type Session struct {
	ID      string
	Origin  chat.CanonicalMessage
	Device  string
	Created time.Time

	mu           sync.Mutex
	status       types.SessionStatus
	current      *Task
	lastActivity time.Time
	cancel       context.CancelFunc

	// answers receives the user's reply while AwaitingConfirmation.
	answers chan string
	// notes receives mid-task user messages surfaced to the planner.
	notes chan string
}

func newSession(origin chat.CanonicalMessage, device string) *Session {
	now := time.Now()
	return &Session{
		ID:           uuid.NewString(),
		Origin:       origin,
		Device:       device,
		Created:      now,
		status:       types.SessionIdle,
		lastActivity: now,
		answers:      make(chan string, 1),
		notes:        make(chan string, 8),
	}
}

// Current returns the session's latest task, if any.
func (s *Session) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// TaskStatus classifies the latest task: Running until a result lands, then
// whatever the result says.
func (s *Session) TaskStatus() types.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	if s.current.Result.Status == "" {
		return types.TaskRunning
	}
	return s.current.Result.Status
}

func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st types.SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// busy reports whether a task is in flight.
func (s *Session) busy() bool {
	switch s.Status() {
	case types.SessionPlanning, types.SessionActing, types.SessionAwaitingConfirmation:
		return true
	}
	return false
}

func (s *Session) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
}

// Cancel aborts the running task, if any.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// note hands a mid-task user message to the planner loop without blocking the
// router.
func (s *Session) note(text string) {
	select {
	case s.notes <- text:
	default:
	}
}

// drainAnswer discards a reply left over from an earlier confirmation window,
// so it cannot approve a question the user never saw.
func (s *Session) drainAnswer() {
	select {
	case <-s.answers:
	default:
	}
}

// drainNotes returns queued user messages, oldest first.
func (s *Session) drainNotes() []string {
	var out []string
	for {
		select {
		case n := <-s.notes:
			out = append(out, n)
		default:
			return out
		}
	}
}

// answer delivers the confirmation reply. A second reply before the loop
// consumes the first is dropped.
func (s *Session) answer(text string) {
	select {
	case s.answers <- text:
	default:
	}
}
