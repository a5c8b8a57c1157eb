// Package engine drives executions: it owns the mutable execution records,
// asks the runner which tasks are next, hands runnable task runs to workers
// through claims, and folds their results back in.
package engine
