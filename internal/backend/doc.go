// Package backend manages tool-backend subprocesses speaking MCP over stdio.
//
// Each Handle wraps exactly one subprocess described by a
// config.BackendDescriptor. The lifecycle is strictly one-way:
//
//	Disconnected -> Connecting -> Connected -> Disconnected (final)
//
// A failed Connect leaves the handle retryable; a Disconnect is final for the
// process run. Once connected, the handle exposes the backend's tools to the
// model layer via Tools and CallTool.
package backend
