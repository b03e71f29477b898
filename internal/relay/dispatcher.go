// ABOUTME: Dispatcher converts one inbound event into zero-or-one outbound reply.
// ABOUTME: Serializes dispatch per channel and contains every failure inside its boundary.

package relay

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/mcp-slackbot/internal/conversation"
	"github.com/2389/mcp-slackbot/internal/dedupe"
	"github.com/2389/mcp-slackbot/internal/store"
)

// ReplyGenerator is what the dispatcher needs from the agent runtime.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, history []conversation.Message) (string, error)
}

// Transcript is the optional ledger sink. A nil Transcript disables recording.
type Transcript interface {
	SaveEvent(ctx context.Context, event *store.LedgerEvent) error
}

// ledgerTimeout bounds best-effort transcript writes so a slow disk never
// holds up a reply.
const ledgerTimeout = 5 * time.Second

// queueDepth is the per-channel backlog before Dispatch blocks the receive
// loop. Generation is the slow step, so a deep backlog means the channel is
// being flooded anyway.
const queueDepth = 64

// Dispatcher is the relay's control core. Events for the same channel are
// processed FIFO by a per-channel worker; distinct channels interleave
// freely. Nothing escapes Dispatch: every failure path ends in a silent
// discard or a sent message.
type Dispatcher struct {
	store     *conversation.Store
	generator ReplyGenerator
	sender    Sender
	seen      *dedupe.Cache // nil disables deduplication
	ledger    Transcript    // nil disables transcript recording
	window    int
	logger    *slog.Logger

	selfMu sync.RWMutex
	selfID string

	mu     sync.Mutex
	queues map[string]chan queuedEvent
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type queuedEvent struct {
	ctx context.Context
	evt InboundEvent
}

// DispatcherOptions carries the optional collaborators.
type DispatcherOptions struct {
	Seen   *dedupe.Cache
	Ledger Transcript
}

// NewDispatcher creates a dispatcher over the given store, generator, and
// outbound sender. window bounds the history slice read for each generation.
func NewDispatcher(cs *conversation.Store, generator ReplyGenerator, sender Sender, window int, logger *slog.Logger, opts DispatcherOptions) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     cs,
		generator: generator,
		sender:    sender,
		seen:      opts.Seen,
		ledger:    opts.Ledger,
		window:    window,
		logger:    logger.With("component", "dispatcher"),
		queues:    make(map[string]chan queuedEvent),
		done:      make(chan struct{}),
	}
}

// SetSelfID records the bot's own user identifier once the transport has
// resolved it. Until then self-message filtering is disabled.
func (d *Dispatcher) SetSelfID(id string) {
	d.selfMu.Lock()
	d.selfID = id
	d.selfMu.Unlock()
}

func (d *Dispatcher) self() string {
	d.selfMu.RLock()
	defer d.selfMu.RUnlock()
	return d.selfID
}

// Dispatch enqueues one event for its channel's worker and returns once it is
// queued. Callers deliver events sequentially, so queue order is arrival
// order. Duplicate deliveries of the same channel/ts are dropped here.
func (d *Dispatcher) Dispatch(ctx context.Context, evt InboundEvent) {
	if d.seen != nil && evt.TS != "" {
		if d.seen.CheckAndMark(dedupe.EventKey(evt.Channel, evt.TS)) {
			d.logger.Debug("dropping duplicate delivery", "channel", evt.Channel, "ts", evt.TS)
			return
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Debug("dispatcher closed, dropping event", "channel", evt.Channel)
		return
	}
	queue, ok := d.queues[evt.Channel]
	if !ok {
		queue = make(chan queuedEvent, queueDepth)
		d.queues[evt.Channel] = queue
		d.wg.Add(1)
		go d.worker(queue)
	}
	d.mu.Unlock()

	select {
	case queue <- queuedEvent{ctx: ctx, evt: evt}:
	case <-d.done:
	}
}

// Close stops accepting events and waits for in-flight dispatches to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
}

// worker drains one channel's queue in FIFO order. Workers live for the rest
// of the process run, like the conversation state they serialize access to.
func (d *Dispatcher) worker(queue chan queuedEvent) {
	defer d.wg.Done()
	for {
		select {
		case qe := <-queue:
			d.process(qe.ctx, qe.evt)
		case <-d.done:
			return
		}
	}
}

// process runs the dispatch algorithm for one event. It never returns an
// error: failures end in a logged discard or an apology sent in-thread.
func (d *Dispatcher) process(ctx context.Context, evt InboundEvent) {
	self := d.self()

	// Never converse with ourselves.
	if self != "" && evt.UserID == self {
		return
	}

	text := normalizeText(evt.Text, self)

	threadTS := evt.ThreadTS
	if threadTS == "" {
		threadTS = evt.TS
	}

	d.store.Append(evt.Channel, conversation.Message{
		Role:    conversation.RoleUser,
		Content: text,
	})
	d.record(evt.Channel, threadTS, store.DirectionInbound, evt.UserID, text)

	window := d.store.RecentWindow(evt.Channel, d.window)

	outbound, err := d.generator.GenerateReply(ctx, window)
	if err != nil {
		d.logger.Error("reply generation failed",
			"channel", evt.Channel,
			"thread_ts", threadTS,
			"error", err,
		)
		// The failed attempt is not appended: the next turn's window ends
		// at the last successful exchange.
		outbound = "I'm sorry, I encountered an error: " + err.Error()
	} else if outbound == "" {
		d.logger.Warn("empty reply from agent, skipping send", "channel", evt.Channel)
		return
	} else {
		d.store.Append(evt.Channel, conversation.Message{
			Role:    conversation.RoleAssistant,
			Content: outbound,
		})
	}

	if err := d.sender.Send(ctx, evt.Channel, threadTS, outbound); err != nil {
		d.logger.Error("sending reply failed",
			"channel", evt.Channel,
			"thread_ts", threadTS,
			"error", err,
		)
		return
	}
	d.record(evt.Channel, threadTS, store.DirectionOutbound, "assistant", outbound)
}

// normalizeText strips a leading self-mention token and surrounding
// whitespace. An empty result is valid input, not an error.
func normalizeText(text, selfID string) string {
	text = strings.TrimSpace(text)
	if selfID != "" {
		text = strings.TrimPrefix(text, "<@"+selfID+">")
		text = strings.TrimSpace(text)
	}
	return text
}

// record appends to the transcript ledger best-effort, on its own timeout so
// ledger trouble never reaches the reply path.
func (d *Dispatcher) record(channel, threadTS string, direction store.EventDirection, author, text string) {
	if d.ledger == nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()

	err := d.ledger.SaveEvent(saveCtx, &store.LedgerEvent{
		ID:        uuid.New().String(),
		Channel:   channel,
		ThreadTS:  threadTS,
		Direction: direction,
		Author:    author,
		Text:      text,
		Timestamp: time.Now(),
	})
	if err != nil {
		d.logger.Error("transcript write failed", "channel", channel, "error", err)
	}
}
