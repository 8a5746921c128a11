// Package chat routes messages between operators and the agent. Channel
// adapters normalize transport-specific messages into CanonicalMessage and the
// router fans replies back out, tagging each inbound sender with the role the
// configuration grants them on that channel.
package chat

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/internal/config"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// CanonicalMessage is a channel-independent inbound message.
type CanonicalMessage struct {
	Channel     string
	SenderID    string
	ChatID      string
	Text        string
	Attachments []string
}

// Channel adapts one messaging transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, chatID, text string, attachments []string) error
	Inbound() <-chan CanonicalMessage
}

// Router multiplexes registered channels into a single inbound stream and
// addresses outbound replies.
type Router struct {
	cfg config.ChatConfig
	bus *bus.Bus
	log zerolog.Logger

	mu       sync.RWMutex
	channels map[string]Channel

	inbound chan CanonicalMessage
	done    chan struct{}
	once    sync.Once
}

func NewRouter(cfg config.ChatConfig, b *bus.Bus, logger zerolog.Logger) *Router {
	return &Router{
		cfg:      cfg,
		bus:      b,
		log:      logger,
		channels: make(map[string]Channel),
		inbound:  make(chan CanonicalMessage, 64),
		done:     make(chan struct{}),
	}
}

// Register adds a channel and starts pumping its inbound messages.
func (r *Router) Register(ch Channel) {
	r.mu.Lock()
	r.channels[ch.Name()] = ch
	r.mu.Unlock()

	go r.pump(ch)
}

func (r *Router) pump(ch Channel) {
	for {
		select {
		case <-r.done:
			return
		case msg, ok := <-ch.Inbound():
			if !ok {
				return
			}
			msg.Channel = ch.Name()
			r.bus.Publish(bus.Event{
				Type:    bus.EventMessageIn,
				From:    msg.SenderID,
				Content: msg.Text,
				Fields:  map[string]any{"channel": msg.Channel, "chat_id": msg.ChatID},
			})
			select {
			case r.inbound <- msg:
			case <-r.done:
				return
			}
		}
	}
}

// Inbound is the merged stream across all registered channels.
func (r *Router) Inbound() <-chan CanonicalMessage {
	return r.inbound
}

// RoleOf returns the role the sender holds on a channel. Only the configured
// manager identity gets Manager; everyone else is a Member.
func (r *Router) RoleOf(channel, senderID string) types.Role {
	if r.cfg.Managers[channel] == senderID && senderID != "" {
		return types.RoleManager
	}
	return types.RoleMember
}

// SendReply answers back into the chat a message arrived from.
func (r *Router) SendReply(ctx context.Context, msg CanonicalMessage, text string, attachments []string) error {
	return r.send(ctx, msg.Channel, msg.ChatID, text, attachments)
}

// SendToOrg posts to the configured default channel's broadcast chat.
func (r *Router) SendToOrg(ctx context.Context, text string) error {
	return r.send(ctx, r.cfg.DefaultChannel, "", text, nil)
}

func (r *Router) send(ctx context.Context, channel, chatID, text string, attachments []string) error {
	r.mu.RLock()
	ch, ok := r.channels[channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %q not registered: %w", channel, types.ErrNotFound)
	}
	if err := ch.Send(ctx, chatID, text, attachments); err != nil {
		return fmt.Errorf("send via %s: %w", channel, err)
	}
	r.bus.Publish(bus.Event{
		Type:    bus.EventMessageOut,
		To:      chatID,
		Content: text,
		Fields:  map[string]any{"channel": channel},
	})
	return nil
}

// Close stops the pumps. Registered channels are closed by their owners.
func (r *Router) Close() {
	r.once.Do(func() { close(r.done) })
}
