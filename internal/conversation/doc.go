// Package conversation tracks per-channel message history for the relay.
//
// # Overview
//
// The Store keeps an ordered, append-only history for each conversation key
// (the Slack channel ID). Storage is uncapped; callers bound model input cost
// by reading through RecentWindow instead of trimming what is stored.
//
// # Usage
//
//	store := conversation.NewStore()
//	store.Append("C123", conversation.Message{Role: conversation.RoleUser, Content: "hi"})
//	window := store.RecentWindow("C123", 5)
//
// Histories live for the lifetime of the process and are never persisted.
// Only the message dispatcher mutates the store, and only by appending.
package conversation
