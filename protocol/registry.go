// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"context"
	"regexp"
)

// VerbRE matches a valid message verb.
var VerbRE = regexp.MustCompile(`^[a-z0-9_]+$`)

// Validator inspects an inbound message's argument list and reports
// whether it is acceptable; false yields `error invalid`.
type Validator func(args []string) bool

// Handler processes a validated inbound message and returns an
// [Outcome]: a terminal reply, or a promise to await plus the
// continuation to run with its resolved value.
type Handler func(ctx context.Context, args []string) (Outcome, error)

// Entry is one registered message: its validator and handler.
type Entry struct {
	Validator Validator
	Handler   Handler
}

// Registry is a static map from verb to [Entry]. It supports
// composition: [Registry.Overlay] layers additional entries over a
// base registry, and lookup always returns the most-derived entry.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces the entry for verb.
func (r *Registry) Register(verb string, e Entry) {
	r.entries[verb] = e
}

// Overlay returns a new registry containing r's entries with extra's
// entries layered on top; extra wins on name collision.
func (r *Registry) Overlay(extra *Registry) *Registry {
	merged := NewRegistry()
	for k, v := range r.entries {
		merged.entries[k] = v
	}
	for k, v := range extra.entries {
		merged.entries[k] = v
	}
	return merged
}

// Lookup returns the entry registered for verb, if any.
func (r *Registry) Lookup(verb string) (Entry, bool) {
	e, ok := r.entries[verb]
	return e, ok
}
