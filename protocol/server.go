// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"context"
	"log/slog"
	"strings"
)

// Serve binds handle's registry and runs the server read loop until
// ctx is done or the connection fails. On each inbound line it
// parses the id, validates it, looks up the verb, validates the
// arguments, and dispatches — one line is fully looked up and handed
// to its handler before the next line is read, though the handler's
// own resolution (if it returns a non-terminal [Outcome]) proceeds
// asynchronously without blocking subsequent reads.
func (e *Endpoint) Serve(ctx context.Context) error {
	e.requireRole(RoleServer)
	for {
		msg, err := ReadMessage(e.r)
		if err != nil {
			if fe, ok := err.(*FramingError); ok {
				e.cfg.Logger.Info("framingError", slog.String("detail", fe.Detail))
				e.reply(0, "error", "invalid", "invalid protocol formatting")
				continue
			}
			e.shutdown(err)
			return err
		}
		e.handleLine(ctx, msg)
	}
}

func (e *Endpoint) handleLine(ctx context.Context, msg *Message) {
	entry, ok := e.registry.Lookup(msg.Verb)
	if !ok {
		e.reply(msg.ID, "error", "invalid", "unknown message "+msg.Verb)
		return
	}
	if !entry.Validator(msg.Args) {
		e.reply(msg.ID, "error", "invalid")
		return
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	gen := e.admit(msg.ID, msg.Verb, cancel)

	// The handler itself may block (e.g. a kill-script wait step), so
	// it runs in its own goroutine: admission above is what must
	// happen before the next line is read, not the handler's full
	// resolution.
	go func() {
		outcome, err := entry.Handler(cmdCtx, msg.Args)
		e.advance(cmdCtx, msg.ID, gen, outcome, err)
	}()
}

// admit records msg's correlation id as active. If the id is already
// in use, the previous command's continuation is canceled first (its
// context done, so its in-flight Await.Wait returns an error and the
// superseded advance loop exits without replying) and a
// warning is logged.
func (e *Endpoint) admit(id uint64, verb string, cancel context.CancelFunc) uint64 {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()

	var gen uint64
	if prev, ok := e.active[id]; ok {
		e.cfg.Logger.Info("commandSuperseded", slog.Uint64("id", id), slog.String("previousVerb", prev.verb), slog.String("verb", verb))
		prev.cancel()
		gen = prev.generation + 1
	}
	e.active[id] = &serverCommand{verb: verb, cancel: cancel, generation: gen}
	return gen
}

// advance drives outcome to a terminal reply, following continuations
// in a loop (not recursive calls) so the call stack never grows with
// the number of chained continuations. It checks gen against the
// active entry before writing a reply or removing the entry, so a
// superseded command's stale completion never clobbers its
// replacement's reply.
func (e *Endpoint) advance(ctx context.Context, id uint64, gen uint64, outcome Outcome, err error) {
	for {
		if err != nil {
			e.finish(id, gen, []string{"error", classifyHandlerError(err)})
			return
		}
		if outcome.Await == nil {
			e.finish(id, gen, outcome.Reply)
			return
		}
		resolved, werr := outcome.Await.Wait(ctx)
		if werr != nil {
			if !e.stillActive(id, gen) {
				return // superseded or canceled by a replacement; it will reply
			}
			e.finish(id, gen, []string{"error", "failed"})
			return
		}
		if !e.stillActive(id, gen) {
			return
		}
		outcome, err = outcome.Await.Next(ctx, resolved)
	}
}

func (e *Endpoint) stillActive(id, gen uint64) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	cur, ok := e.active[id]
	return ok && cur.generation == gen
}

func (e *Endpoint) finish(id, gen uint64, fields []string) {
	e.activeMu.Lock()
	cur, ok := e.active[id]
	if ok && cur.generation == gen {
		delete(e.active, id)
	} else {
		ok = false
	}
	e.activeMu.Unlock()
	if !ok {
		return
	}
	e.reply(id, fields...)
}

// classifyHandlerError maps a handler's error to the wire error
// vocabulary: a message containing "denied" maps to `error denied`,
// everything else to `error failed`.
func classifyHandlerError(err error) string {
	if strings.Contains(err.Error(), "denied") {
		return "denied"
	}
	return "failed"
}

// shutdown fails every in-flight server command's context, per the
// cancellation contract: shutting down an endpoint cancels all its
// pending commands.
func (e *Endpoint) shutdown(_ error) {
	e.activeMu.Lock()
	active := e.active
	e.active = make(map[uint64]*serverCommand)
	e.activeMu.Unlock()
	for _, cmd := range active {
		cmd.cancel()
	}
}
