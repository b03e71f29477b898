// ABOUTME: Tests for the Dispatcher's event algorithm and failure containment.
// ABOUTME: Covers self-filtering, mention stripping, thread anchoring, per-channel FIFO, and dedupe.

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-slackbot/internal/conversation"
	"github.com/2389/mcp-slackbot/internal/dedupe"
	"github.com/2389/mcp-slackbot/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	Channel  string
	ThreadTS string
	Text     string
}

// recordingSender captures outbound sends.
type recordingSender struct {
	mu    sync.Mutex
	err   error
	sends []sentMessage
}

func (r *recordingSender) Send(ctx context.Context, channel, threadTS, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sends = append(r.sends, sentMessage{Channel: channel, ThreadTS: threadTS, Text: text})
	return nil
}

func (r *recordingSender) snapshot() []sentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentMessage, len(r.sends))
	copy(out, r.sends)
	return out
}

// scriptedGenerator returns queued replies and records the windows it saw.
// An optional block function runs before each reply.
type scriptedGenerator struct {
	mu       sync.Mutex
	replies  []string
	err      error
	block    func(history []conversation.Message)
	windows  [][]conversation.Message
}

func (g *scriptedGenerator) GenerateReply(ctx context.Context, history []conversation.Message) (string, error) {
	if g.block != nil {
		g.block(history)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windows = append(g.windows, history)
	if g.err != nil {
		return "", g.err
	}
	if len(g.replies) == 0 {
		return "ok", nil
	}
	reply := g.replies[0]
	g.replies = g.replies[1:]
	return reply, nil
}

func (g *scriptedGenerator) seenWindows() [][]conversation.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]conversation.Message, len(g.windows))
	copy(out, g.windows)
	return out
}

func newTestDispatcher(t *testing.T, gen ReplyGenerator, sender Sender, opts DispatcherOptions) (*Dispatcher, *conversation.Store) {
	t.Helper()
	cs := conversation.NewStore()
	d := NewDispatcher(cs, gen, sender, 5, testLogger(), opts)
	t.Cleanup(d.Close)
	return d, cs
}

func waitForSends(t *testing.T, sender *recordingSender, n int) []sentMessage {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sender.snapshot()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return sender.snapshot()
}

func TestDispatcher_EndToEnd(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"hello!"}}
	sender := &recordingSender{}
	d, cs := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	d.SetSelfID("BOT")

	d.Dispatch(context.Background(), InboundEvent{
		Channel: "C1", UserID: "U9", Text: "<@BOT> hi", TS: "100",
	})

	sends := waitForSends(t, sender, 1)
	assert.Equal(t, sentMessage{Channel: "C1", ThreadTS: "100", Text: "hello!"}, sends[0])

	windows := gen.seenWindows()
	require.Len(t, windows, 1)
	require.Len(t, windows[0], 1)
	assert.Equal(t, conversation.Message{Role: conversation.RoleUser, Content: "hi"}, windows[0][0])

	history := cs.RecentWindow("C1", 5)
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleAssistant, history[1].Role)
	assert.Equal(t, "hello!", history[1].Content)
}

func TestDispatcher_ThreadedFollowUp(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"hello!", "you're welcome"}}
	sender := &recordingSender{}
	d, _ := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	d.SetSelfID("BOT")

	ctx := context.Background()
	d.Dispatch(ctx, InboundEvent{Channel: "C1", UserID: "U9", Text: "<@BOT> hi", TS: "100"})
	waitForSends(t, sender, 1)

	d.Dispatch(ctx, InboundEvent{Channel: "C1", UserID: "U9", Text: "ok thanks", TS: "101", ThreadTS: "100"})
	sends := waitForSends(t, sender, 2)

	// The reply lands in the existing thread, not a new one.
	assert.Equal(t, "100", sends[1].ThreadTS)

	windows := gen.seenWindows()
	require.Len(t, windows, 2)
	require.Len(t, windows[1], 3)
	assert.Equal(t, conversation.Message{Role: conversation.RoleUser, Content: "hi"}, windows[1][0])
	assert.Equal(t, conversation.Message{Role: conversation.RoleAssistant, Content: "hello!"}, windows[1][1])
	assert.Equal(t, conversation.Message{Role: conversation.RoleUser, Content: "ok thanks"}, windows[1][2])
}

func TestDispatcher_SelfMessageDiscarded(t *testing.T) {
	gen := &scriptedGenerator{}
	sender := &recordingSender{}
	d, cs := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	d.SetSelfID("BOT")

	d.Dispatch(context.Background(), InboundEvent{
		Channel: "C1", UserID: "BOT", Text: "echo", TS: "100",
	})

	// Silent discard: no state mutation, no generation, no send.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, cs.Len("C1"))
	assert.Empty(t, gen.seenWindows())
	assert.Empty(t, sender.snapshot())
}

func TestDispatcher_NoSelfIDDisablesFiltering(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"hi there"}}
	sender := &recordingSender{}
	d, _ := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	// Identity lookup failed: selfID never set.

	d.Dispatch(context.Background(), InboundEvent{
		Channel: "C1", UserID: "ANYONE", Text: "<@BOT> hi", TS: "100",
	})

	sends := waitForSends(t, sender, 1)
	assert.Equal(t, "hi there", sends[0].Text)

	// Without an identity there is nothing to strip.
	windows := gen.seenWindows()
	assert.Equal(t, "<@BOT> hi", windows[0][0].Content)
}

func TestDispatcher_EmptyEffectiveTextIsValid(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"yes?"}}
	sender := &recordingSender{}
	d, cs := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	d.SetSelfID("BOT")

	d.Dispatch(context.Background(), InboundEvent{
		Channel: "C1", UserID: "U9", Text: " <@BOT> ", TS: "100",
	})

	waitForSends(t, sender, 1)
	history := cs.RecentWindow("C1", 5)
	require.Len(t, history, 2)
	assert.Equal(t, "", history[0].Content)
}

func TestDispatcher_GenerationFailure(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("model unreachable")}
	sender := &recordingSender{}
	d, cs := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	d.SetSelfID("BOT")

	d.Dispatch(context.Background(), InboundEvent{
		Channel: "C1", UserID: "U9", Text: "hi", TS: "100",
	})

	sends := waitForSends(t, sender, 1)
	assert.Contains(t, sends[0].Text, "I'm sorry, I encountered an error")
	assert.Contains(t, sends[0].Text, "model unreachable")
	assert.Equal(t, "100", sends[0].ThreadTS)

	// The failed attempt is not recorded as an assistant turn.
	history := cs.RecentWindow("C1", 5)
	require.Len(t, history, 1)
	assert.Equal(t, conversation.RoleUser, history[0].Role)
}

func TestDispatcher_WindowEndsAtLastSuccessfulExchange(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"hello!"}}
	sender := &recordingSender{}
	d, _ := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	d.SetSelfID("BOT")

	ctx := context.Background()
	d.Dispatch(ctx, InboundEvent{Channel: "C1", UserID: "U9", Text: "hi", TS: "100"})
	waitForSends(t, sender, 1)

	// Second turn fails.
	gen.mu.Lock()
	gen.err = errors.New("rate limited")
	gen.mu.Unlock()
	d.Dispatch(ctx, InboundEvent{Channel: "C1", UserID: "U9", Text: "and?", TS: "101"})
	waitForSends(t, sender, 2)

	// Third turn succeeds; its window must not contain the apology.
	gen.mu.Lock()
	gen.err = nil
	gen.replies = []string{"recovered"}
	gen.mu.Unlock()
	d.Dispatch(ctx, InboundEvent{Channel: "C1", UserID: "U9", Text: "retry", TS: "102"})
	waitForSends(t, sender, 3)

	windows := gen.seenWindows()
	require.Len(t, windows, 3)
	third := windows[2]
	require.Len(t, third, 4) // hi, hello!, and?, retry
	for _, m := range third {
		assert.NotContains(t, m.Content, "I'm sorry")
	}
}

func TestDispatcher_EmptyReplySkipsSend(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{""}}
	sender := &recordingSender{}
	d, cs := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	d.SetSelfID("BOT")

	d.Dispatch(context.Background(), InboundEvent{Channel: "C1", UserID: "U9", Text: "hi", TS: "100"})

	require.Eventually(t, func() bool {
		return len(gen.seenWindows()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, sender.snapshot())
	assert.Equal(t, 1, cs.Len("C1"), "user message kept, no assistant entry")
}

func TestDispatcher_SendFailureContained(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"hello!"}}
	sender := &recordingSender{err: errors.New("channel_not_found")}
	d, _ := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	d.SetSelfID("BOT")

	// Must not panic or wedge the worker.
	d.Dispatch(context.Background(), InboundEvent{Channel: "C1", UserID: "U9", Text: "hi", TS: "100"})

	require.Eventually(t, func() bool {
		return len(gen.seenWindows()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcher_DuplicateDeliveryDropped(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"hello!", "hello again!"}}
	sender := &recordingSender{}
	seen := dedupe.New(time.Minute, 100)
	t.Cleanup(seen.Close)
	d, cs := newTestDispatcher(t, gen, sender, DispatcherOptions{Seen: seen})
	d.SetSelfID("BOT")

	evt := InboundEvent{Channel: "C1", UserID: "U9", Text: "<@BOT> hi", TS: "100"}
	ctx := context.Background()
	// Same event arrives as app_mention and as message.
	d.Dispatch(ctx, evt)
	d.Dispatch(ctx, evt)

	waitForSends(t, sender, 1)
	time.Sleep(50 * time.Millisecond)

	assert.Len(t, sender.snapshot(), 1)
	assert.Equal(t, 2, cs.Len("C1"))
}

func TestDispatcher_FIFOPerChannel(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"r1", "r2"}}
	gen.block = func([]conversation.Message) { time.Sleep(30 * time.Millisecond) }
	sender := &recordingSender{}
	d, _ := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	d.SetSelfID("BOT")

	ctx := context.Background()
	d.Dispatch(ctx, InboundEvent{Channel: "C1", UserID: "U9", Text: "first", TS: "100"})
	d.Dispatch(ctx, InboundEvent{Channel: "C1", UserID: "U9", Text: "second", TS: "101"})

	sends := waitForSends(t, sender, 2)
	assert.Equal(t, "r1", sends[0].Text)
	assert.Equal(t, "r2", sends[1].Text)

	// The second event's window already contains the first full exchange.
	windows := gen.seenWindows()
	require.Len(t, windows, 2)
	require.Len(t, windows[1], 3)
	assert.Equal(t, "first", windows[1][0].Content)
	assert.Equal(t, "r1", windows[1][1].Content)
	assert.Equal(t, "second", windows[1][2].Content)
}

func TestDispatcher_ChannelsProgressIndependently(t *testing.T) {
	release := make(chan struct{})
	gen := &scriptedGenerator{replies: []string{"slow", "fast"}}
	gen.block = func(history []conversation.Message) {
		if len(history) > 0 && history[len(history)-1].Content == "blocked" {
			<-release
		}
	}
	sender := &recordingSender{}
	d, _ := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	d.SetSelfID("BOT")

	ctx := context.Background()
	d.Dispatch(ctx, InboundEvent{Channel: "C1", UserID: "U9", Text: "blocked", TS: "100"})
	d.Dispatch(ctx, InboundEvent{Channel: "C2", UserID: "U9", Text: "go", TS: "200"})

	// C2 completes while C1's generation is still blocked.
	waitForSends(t, sender, 1)
	assert.Equal(t, "C2", sender.snapshot()[0].Channel)

	close(release)
	waitForSends(t, sender, 2)
}

func TestDispatcher_RecordsTranscript(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"hello!"}}
	sender := &recordingSender{}
	ledger := &recordingTranscript{}
	d, _ := newTestDispatcher(t, gen, sender, DispatcherOptions{Ledger: ledger})
	d.SetSelfID("BOT")

	d.Dispatch(context.Background(), InboundEvent{
		Channel: "C1", UserID: "U9", Text: "<@BOT> hi", TS: "100",
	})

	waitForSends(t, sender, 1)
	require.Eventually(t, func() bool {
		return len(ledger.snapshot()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	events := ledger.snapshot()
	assert.Equal(t, store.DirectionInbound, events[0].Direction)
	assert.Equal(t, "hi", events[0].Text)
	assert.Equal(t, "U9", events[0].Author)
	assert.Equal(t, store.DirectionOutbound, events[1].Direction)
	assert.Equal(t, "hello!", events[1].Text)
	assert.NotEmpty(t, events[0].ID)
}

func TestDispatcher_TranscriptFailureInvisible(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"hello!"}}
	sender := &recordingSender{}
	ledger := &recordingTranscript{err: errors.New("disk full")}
	d, _ := newTestDispatcher(t, gen, sender, DispatcherOptions{Ledger: ledger})
	d.SetSelfID("BOT")

	d.Dispatch(context.Background(), InboundEvent{Channel: "C1", UserID: "U9", Text: "hi", TS: "100"})

	sends := waitForSends(t, sender, 1)
	assert.Equal(t, "hello!", sends[0].Text)
}

// recordingTranscript captures ledger writes.
type recordingTranscript struct {
	mu     sync.Mutex
	err    error
	events []*store.LedgerEvent
}

func (r *recordingTranscript) SaveEvent(ctx context.Context, event *store.LedgerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *recordingTranscript) snapshot() []*store.LedgerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*store.LedgerEvent, len(r.events))
	copy(out, r.events)
	return out
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		selfID string
		want   string
	}{
		{"leading mention stripped", "<@U123> hello", "U123", "hello"},
		{"no mention", "hello", "U123", "hello"},
		{"mention only", "<@U123>", "U123", ""},
		{"whitespace trimmed", "  hi  ", "U123", "hi"},
		{"other user mention kept", "<@U999> hello", "U123", "<@U999> hello"},
		{"no self id, nothing stripped", "<@U123> hello", "", "<@U123> hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeText(tt.text, tt.selfID))
		})
	}
}

func TestDispatcher_ManyChannels(t *testing.T) {
	gen := &scriptedGenerator{}
	sender := &recordingSender{}
	d, _ := newTestDispatcher(t, gen, sender, DispatcherOptions{})
	d.SetSelfID("BOT")

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		d.Dispatch(ctx, InboundEvent{
			Channel: fmt.Sprintf("C%d", i), UserID: "U9", Text: "hi", TS: fmt.Sprintf("%d", 100+i),
		})
	}

	waitForSends(t, sender, 20)
}
