// Package dedupe provides a time-based cache the dispatcher uses to drop
// Slack events it has already handled within the delivery window.
package dedupe
