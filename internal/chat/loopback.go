package chat

import (
	"context"
	"sync"
)

// Loopback is an in-process channel. The CLI uses it for local sessions and
// tests use it to drive the router without a network transport.
type Loopback struct {
	name string

	mu     sync.Mutex
	sent   []CanonicalMessage
	in     chan CanonicalMessage
	closed bool
}

func NewLoopback(name string) *Loopback {
	return &Loopback{
		name: name,
		in:   make(chan CanonicalMessage, 16),
	}
}

func (l *Loopback) Name() string { return l.name }

func (l *Loopback) Inbound() <-chan CanonicalMessage { return l.in }

func (l *Loopback) Send(ctx context.Context, chatID, text string, attachments []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, CanonicalMessage{
		Channel:     l.name,
		ChatID:      chatID,
		Text:        text,
		Attachments: attachments,
	})
	return nil
}

// Inject delivers a message as if it arrived from the transport.
func (l *Loopback) Inject(msg CanonicalMessage) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return
	}
	l.in <- msg
}

// Sent returns a copy of everything delivered through Send.
func (l *Loopback) Sent() []CanonicalMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CanonicalMessage, len(l.sent))
	copy(out, l.sent)
	return out
}

func (l *Loopback) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.in)
	}
}
