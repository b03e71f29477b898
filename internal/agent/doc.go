// Package agent composes the tool-backend handles with the model-invocation
// capability behind a single runtime.
//
// The Runtime's contract is containment: ConnectAll and DisconnectAll fan out
// across backends and never fail as a whole, and GenerateReply reduces every
// model or tool failure to one opaque GenerationError for the dispatcher to
// surface. Backends are independent integrations in distinct failure domains;
// a broken one simply contributes no tools for this run.
package agent
