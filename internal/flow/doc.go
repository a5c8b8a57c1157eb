// Package flow holds flow definitions: the ordered task lists, their error
// handlers, and the resolved tasks the engine hands to the runner.
package flow
