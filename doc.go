// Package stepwise is a library for durable workflow execution.
//
// Application code registers handlers — ordinary Go functions of the shape
// func(ctx *stepwise.Context, input json.RawMessage) error — and drives them
// to completion across process restarts using three primitives exposed on
// Context: Step, Sleep and Start. A worker.Supervisor claims ready workflows from a
// Store, runs their handler, and records every intermediate result so that
// a crashed and replayed workflow reuses recorded output instead of
// re-executing the code that produced it.
//
// stepwise does not provide a persistence backend of its own beyond the
// in-memory store used for tests; see the store/memory, store/dynamodb and
// store/sql packages for concrete implementations of the Store interface.
package stepwise
