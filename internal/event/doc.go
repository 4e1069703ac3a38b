// Package event defines the observable event streams of the execution core.
//
// The scheduler, message channel, rate limiter, and workspace watcher do not
// subscribe to each other's internals. Each publishes typed events onto a
// shared Bus owned by the composition root, and consumers (the run driver,
// the TUI, tests) subscribe to the streams they care about. This keeps the
// component graph acyclic: no back-references between the pool, sessions,
// and the scheduler.
//
// Event types follow the "category.action" convention, e.g.
// "scheduler.task_assigned" or "ratelimit.exceeded". Handlers are invoked
// synchronously on the publishing goroutine, in registration order across
// specific and wildcard subscriptions alike, with panic isolation per
// handler.
package event
