package domain

import "errors"

// ErrThreadExists is returned by the thread store when an insert loses the
// first-message race: another request already persisted a thread for the
// same user. Callers should re-read and use the winning row.
var ErrThreadExists = errors.New("domain: thread already exists for user")

// ThreadRecord maps a user to their provider-side conversation thread.
// At most one record exists per user; the durable store owns the mapping,
// the provider owns the thread content.
type ThreadRecord struct {
	UserID    string
	ThreadID  string
	Messages  []MessageEntry
	CreatedAt string
}

// MessageEntry is a single entry in the locally kept append-only message log.
type MessageEntry struct {
	Role    string
	Content string
	At      string
}

// MessageCountRecord is the per-user message counter. Independent of the
// thread mapping; created on first increment, never deleted.
type MessageCountRecord struct {
	UserID string
	Count  int
}
