// Package relay contains the message-dispatch pipeline and its lifecycle.
//
// # Overview
//
// The Dispatcher is the control core: it turns one normalized inbound event
// into zero-or-one outbound reply — filtering self-messages, stripping the
// leading self-mention, resolving the thread anchor, appending to the
// conversation store, generating a reply through the agent runtime, and
// sending the result back in-thread. Every failure is contained: a
// generation failure becomes an in-thread apology carrying the cause, and
// nothing else is visible to the end user.
//
// # Ordering
//
// Events for one channel are dispatched FIFO by a per-channel worker, because
// a generation in flight would otherwise let a later event append before the
// earlier reply and corrupt the window the model sees. Distinct channels
// proceed concurrently.
//
// # Lifecycle
//
// The Service owns ordering at the edges: connect backends, resolve the bot
// identity (failure tolerated), run the transport receive loop supervised,
// and on shutdown close the transport session before disconnecting backends.
package relay
