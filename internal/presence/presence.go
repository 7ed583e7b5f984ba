// Package presence tracks which device sessions are currently live and which
// delivery capabilities each one has. State is ephemeral and backed by Redis
// with per-device keys, so concurrent registrations for different devices of
// the same user never overwrite each other.
package presence
