// Package slack implements the relay transport over Slack Socket Mode.
//
// A single Socket Mode session delivers Events API envelopes over a
// persistent websocket. Envelopes are acknowledged immediately on receipt,
// then normalized: app_mention and message events both become the same
// inbound event shape, so the dispatcher never distinguishes a channel
// mention from a direct message. Message subtypes (edits, joins, bot
// messages) are filtered here. The same human message can legitimately
// arrive as both an app_mention and a message event; resolving that overlap
// is the dispatcher's dedupe concern, not the transport's.
package slack
