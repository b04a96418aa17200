// Package dispatcher routes capability-tagged tasks to workers.
//
// A worker advertises a set of capabilities and runs at most one task at a
// time. AssignTask hands a task to an idle capable worker, preferring the
// requested worker, then the one with the oldest heartbeat. When none is
// free the task waits in a per-capability queue ordered by priority and
// submission order, and the next worker to become idle takes the best task
// it can serve.
//
// Workers are either managed, with an Executor the dispatcher runs on its
// goroutine pool, or external, in which case the host observes
// EventTaskAssigned and reports back through StartTask, CompleteTask and
// FailTask. Every task resolves its Handle exactly once; tasks still
// unfinished after their timeout fail with TIMEOUT.
package dispatcher
