// Package runner resolves sequential task lists. Given an execution snapshot
// it decides which task of a scope runs next and, once the scope is done,
// which terminal state the scope settles into. Everything here is pure and
// safe to call concurrently on independent snapshots.
package runner
