// Package sched is the engine's single scheduled-task service.
//
// Every timer-driven callback in the engine (batch-window flushes,
// time-based operation notifications, post-terminal purges, emergency
// override expiry) goes through one min-heap of keyed one-shot tasks
// polled by a single run loop. Recurring diagnostics (heartbeats,
// periodic analytics persistence) ride on a cron runner in the same
// service.
//
// One-shot tasks are keyed: scheduling with an existing key replaces the
// pending task, and Cancel removes it. Fired callbacks run serially on
// the loop goroutine; a callback must re-validate that its target still
// exists and is in the expected state, since the target may have changed
// between scheduling and firing.
package sched
