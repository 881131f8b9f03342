package desd

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operations that can fail in a single,
// specific way — for example one reconciliation tick for a service,
// or one action invocation from dispatch to its terminal result.
//
// We recommend using a span ID for uniquely identifying spans.
//
// The span terminology is borrowed from OTel. Span IDs never appear
// on the wire; they exist purely to correlate structured log lines.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
