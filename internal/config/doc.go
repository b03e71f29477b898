// Package config loads and validates mcp-slackbot configuration.
//
// Configuration is YAML with ${VAR} environment variable expansion applied
// before parsing. Backend descriptors (the tool subprocesses the agent may
// call) are validated eagerly at load time so a missing command or duplicate
// id is reported at startup, not at first launch attempt. There is no hot
// reload; the file is read once before the relay starts.
package config
