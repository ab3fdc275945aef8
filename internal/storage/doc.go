// Package storage persists tasks, whole-value timeline snapshots, the
// append-only action log, persistent dedup keys, and poll-ingress prompts.
package storage
