// Package model implements the relay's model-invocation capability on the
// OpenAI chat-completions API, bridging MCP backend tools into the call as
// OpenAI function tools. The client is built once at startup from config;
// provider selection (Azure vs. OpenAI vs. proxy) happens there and nowhere
// else.
package model
