// Package pipeline turns detected work items into placed, conflict-free
// timeline entries.
//
// Two ingress channels (push Submit and the fixed-interval prompt poll) feed
// one entry point that deduplicates synchronously and enqueues into a
// single-consumer queue. The worker drives each item through
// Analyze -> Schedule -> MergeTimeline -> Notify, broadcasting a status per
// stage; a failure in any stage is isolated to that item.
package pipeline
