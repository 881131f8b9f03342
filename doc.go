// SPDX-License-Identifier: GPL-3.0-or-later

// Package desd provides the ambient primitives shared by the rest of
// this service supervisor: a composable Func/Compose pipeline type
// for chaining action steps, structured-logging abstractions, and
// connection wrappers used by the control-protocol framing layer.
//
// # Core abstraction
//
// The package is built around a single interface:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// Each Func represents an atomic operation with exactly one success
// mode and one failure mode. [Compose2] and [Compose3] chain Funcs
// into pipelines. Package action uses this to build composite internal
// methods (stop_start, stop_start_check) out of simpler ones (stop,
// start, a wait stage) instead of hand-rolling a second orchestration
// mechanism.
//
// # Connection wrappers
//
// [NewCancelWatchFunc] closes a connection when a context is done,
// giving the control and spawner sockets responsive shutdown on
// SIGTERM. [NewObserveConnFunc] wraps a connection to log every
// read, write, and close at structured log levels; package protocol's
// framing layer uses it to get consistent I/O observability without
// duplicating logging code at each call site.
//
// # Observability
//
// [SLogger] abstracts *slog.Logger for testability. [ErrClassifier]
// maps errors to short labels for structured logs; package ioerrclass
// supplies the default implementation for socket errors. [NewSpanID]
// returns a UUIDv7 suitable for correlating the log lines of a single
// reconciliation tick or action invocation — it has no protocol
// meaning and is never sent on the wire.
//
// By default, logging is disabled: [DefaultSLogger] discards
// everything. Callers wire a real *slog.Logger in at the program's
// entry point.
package desd
