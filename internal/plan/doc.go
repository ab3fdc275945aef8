// Package plan holds the pure scheduling engine: slot search over a day
// horizon, the progressive-delay reschedule policy, and the priority-based
// greedy repacker.
//
// Everything here is proposal-only: functions take an explicit "now", operate
// on value copies, and never touch storage or the clock. Applying a decision
// (persisting moves, writing action-log entries) is the caller's job.
package plan
