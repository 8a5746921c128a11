package chat

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/internal/config"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

func newTestRouter(t *testing.T, cfg config.ChatConfig) (*Router, *bus.Bus) {
	t.Helper()
	b := bus.New()
	r := NewRouter(cfg, b, zerolog.Nop())
	t.Cleanup(func() {
		r.Close()
		b.Close()
	})
	return r, b
}

func TestInboundMerge(t *testing.T) {
	r, _ := newTestRouter(t, config.ChatConfig{})
	a := NewLoopback("a")
	b := NewLoopback("b")
	r.Register(a)
	r.Register(b)

	a.Inject(CanonicalMessage{SenderID: "alice", ChatID: "c1", Text: "from a"})
	b.Inject(CanonicalMessage{SenderID: "bob", ChatID: "c2", Text: "from b"})

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-r.Inbound():
			seen[msg.Channel] = msg.Text
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for inbound message")
		}
	}
	assert.Equal(t, "from a", seen["a"])
	assert.Equal(t, "from b", seen["b"])
}

func TestSendReplyGoesToOriginChannel(t *testing.T) {
	r, _ := newTestRouter(t, config.ChatConfig{})
	lb := NewLoopback("loopback")
	r.Register(lb)

	orig := CanonicalMessage{Channel: "loopback", ChatID: "c42", SenderID: "alice"}
	require.NoError(t, r.SendReply(context.Background(), orig, "done", nil))

	sent := lb.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "c42", sent[0].ChatID)
	assert.Equal(t, "done", sent[0].Text)
}

func TestSendToUnknownChannel(t *testing.T) {
	r, _ := newTestRouter(t, config.ChatConfig{})
	err := r.SendReply(context.Background(), CanonicalMessage{Channel: "telegram"}, "x", nil)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSendToOrgUsesDefaultChannel(t *testing.T) {
	r, _ := newTestRouter(t, config.ChatConfig{DefaultChannel: "loopback"})
	lb := NewLoopback("loopback")
	r.Register(lb)

	require.NoError(t, r.SendToOrg(context.Background(), "daily summary"))
	sent := lb.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "daily summary", sent[0].Text)
}

func TestRoleOf(t *testing.T) {
	r, _ := newTestRouter(t, config.ChatConfig{
		Managers: map[string]string{"loopback": "alice"},
	})

	assert.Equal(t, types.RoleManager, r.RoleOf("loopback", "alice"))
	assert.Equal(t, types.RoleMember, r.RoleOf("loopback", "bob"))
	assert.Equal(t, types.RoleMember, r.RoleOf("other", "alice"))
	assert.Equal(t, types.RoleMember, r.RoleOf("loopback", ""))
}

func TestInboundPublishesBusEvent(t *testing.T) {
	r, b := newTestRouter(t, config.ChatConfig{})
	events := make(chan bus.Event, 4)
	sub := b.Subscribe(bus.EventMessageIn, func(ev bus.Event) { events <- ev })
	defer b.Unsubscribe(sub)

	lb := NewLoopback("loopback")
	r.Register(lb)
	lb.Inject(CanonicalMessage{SenderID: "alice", Text: "hello"})

	select {
	case ev := <-events:
		assert.Equal(t, "alice", ev.From)
		assert.Equal(t, "hello", ev.Content)
	case <-time.After(time.Second):
		t.Fatal("no bus event published for inbound message")
	}
}
