// ABOUTME: Socket Mode transport connecting the relay to Slack.
// ABOUTME: Normalizes app_mention and message envelopes into inbound events and posts threaded replies.

package slack

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/2389/mcp-slackbot/internal/config"
	"github.com/2389/mcp-slackbot/internal/relay"
)

// Transport is a Slack Socket Mode session implementing relay.Transport.
type Transport struct {
	api    *slackapi.Client
	socket *socketmode.Client
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// New creates a Socket Mode transport from the given credentials. The
// websocket is not opened until Run.
func New(cfg config.SlackConfig, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []slackapi.Option{
		slackapi.OptionAppLevelToken(cfg.AppToken),
	}
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			return nil, fmt.Errorf("parsing http proxy url: %w", err)
		}
		opts = append(opts, slackapi.OptionHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	api := slackapi.New(cfg.BotToken, opts...)
	socket := socketmode.New(api)

	return &Transport{
		api:    api,
		socket: socket,
		logger: logger.With("component", "slack"),
	}, nil
}

// Identity resolves the bot's own user id via auth.test.
func (t *Transport) Identity(ctx context.Context) (string, error) {
	resp, err := t.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("auth.test: %w", err)
	}
	t.logger.Info("authenticated", "user", resp.User, "user_id", resp.UserID, "team", resp.Team)
	return resp.UserID, nil
}

// Send posts text to a channel, threaded under threadTS.
func (t *Transport) Send(ctx context.Context, channel, threadTS, text string) error {
	msgOpts := []slackapi.MsgOption{
		slackapi.MsgOptionText(text, false),
	}
	if threadTS != "" {
		msgOpts = append(msgOpts, slackapi.MsgOptionTS(threadTS))
	}

	_, _, err := t.api.PostMessageContext(ctx, channel, msgOpts...)
	if err != nil {
		return fmt.Errorf("posting message to %s: %w", channel, err)
	}
	return nil
}

// Run opens the Socket Mode session and delivers normalized events to the
// handler sequentially until the context is cancelled, Close is called, or
// the session fails.
func (t *Transport) Run(ctx context.Context, handler relay.Handler) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return nil
	}
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- t.socket.RunContext(runCtx)
	}()

	for {
		select {
		case evt := <-t.socket.Events:
			t.handleSocketEvent(runCtx, evt, handler)
		case err := <-sessionErr:
			if runCtx.Err() != nil {
				return nil
			}
			return err
		case <-runCtx.Done():
			// Drain the session goroutine before returning.
			<-sessionErr
			return nil
		}
	}
}

// Close terminates the session, unblocking Run.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

// handleSocketEvent acks the envelope and routes Events API payloads.
// Acking first keeps Slack from redelivering while a reply is generating;
// a redelivery that slips through anyway is dropped by the dispatcher.
func (t *Transport) handleSocketEvent(ctx context.Context, evt socketmode.Event, handler relay.Handler) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		t.logger.Info("connecting to slack")
	case socketmode.EventTypeConnected:
		t.logger.Info("connected to slack")
	case socketmode.EventTypeConnectionError:
		t.logger.Error("slack connection error", "data", evt.Data)
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			t.socket.Ack(*evt.Request)
		}
		if inbound, ok := normalizeEvent(apiEvent); ok {
			t.logger.Debug("inbound event",
				"channel", inbound.Channel,
				"user", inbound.UserID,
				"ts", inbound.TS,
			)
			handler(ctx, inbound)
		}
	default:
		// Hello, slash command, and interaction envelopes are ignored.
	}
}

// normalizeEvent converts an Events API callback into an inbound relay event.
// The second return is false when the payload is not a relayable message.
func normalizeEvent(apiEvent slackevents.EventsAPIEvent) (relay.InboundEvent, bool) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return relay.InboundEvent{}, false
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		return relay.InboundEvent{
			Channel:  ev.Channel,
			UserID:   ev.User,
			Text:     ev.Text,
			TS:       ev.TimeStamp,
			ThreadTS: ev.ThreadTimeStamp,
		}, true
	case *slackevents.MessageEvent:
		// Edits, joins, and bot messages carry a subtype or bot id and are
		// not conversation turns.
		if ev.SubType != "" || ev.BotID != "" {
			return relay.InboundEvent{}, false
		}
		return relay.InboundEvent{
			Channel:  ev.Channel,
			UserID:   ev.User,
			Text:     ev.Text,
			TS:       ev.TimeStamp,
			ThreadTS: ev.ThreadTimeStamp,
		}, true
	default:
		return relay.InboundEvent{}, false
	}
}
