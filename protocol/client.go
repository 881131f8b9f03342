// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"context"
	"log/slog"
)

// SendMsg validates fields, sends them with correlation id 0, and
// blocks until a terminal ok|error line with id 0 arrives, returning
// the fields after the verb. Only one SendMsg call should be
// outstanding on an endpoint at a time; the reconciler's single
// event loop owns the spawner-client endpoint for exactly this
// reason.
func (e *Endpoint) SendMsg(ctx context.Context, fields ...string) ([]string, error) {
	e.requireRole(RoleClient)
	if err := ValidateFields(fields); err != nil {
		return nil, err
	}

	p := NewPromise[[]string]()
	e.registerPending(0, p)
	if err := e.writeMessage(0, fields...); err != nil {
		e.unregisterPending(0)
		return nil, err
	}
	e.ensureReadLoop()

	reply, err := p.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return finishReply(reply)
}

// AsyncSendMsg validates fields, allocates a new non-zero correlation
// id, sends the message, and returns a promise fulfilled with
// [verb, rest...] once the matching terminal reply arrives.
func (e *Endpoint) AsyncSendMsg(ctx context.Context, fields ...string) (*Promise[[]string], error) {
	e.requireRole(RoleClient)
	if err := ValidateFields(fields); err != nil {
		return nil, err
	}

	e.pendingMu.Lock()
	e.nextID++
	id := e.nextID
	e.pendingMu.Unlock()

	p := NewPromise[[]string]()
	e.registerPending(id, p)
	if err := e.writeMessage(id, fields...); err != nil {
		e.unregisterPending(id)
		return nil, err
	}
	e.ensureReadLoop()
	return p, nil
}

// OnEvent sets the callback invoked with non-terminal inbound lines
// (verbs other than ok/error). Call before the read loop starts
// receiving events, i.e. before the first SendMsg/AsyncSendMsg.
func (e *Endpoint) OnEvent(cb EventCallback) {
	e.requireRole(RoleClient)
	e.onEvent = cb
}

func (e *Endpoint) registerPending(id uint64, p *Promise[[]string]) {
	e.pendingMu.Lock()
	e.pending[id] = p
	e.pendingMu.Unlock()
}

func (e *Endpoint) unregisterPending(id uint64) {
	e.pendingMu.Lock()
	delete(e.pending, id)
	e.pendingMu.Unlock()
}

// ensureReadLoop starts the client read loop if it is not already
// running. The loop self-suspends (returns, clearing readLoopOn) once
// no pending commands remain, and is restarted on the next send.
func (e *Endpoint) ensureReadLoop() {
	e.pendingMu.Lock()
	if e.readLoopOn {
		e.pendingMu.Unlock()
		return
	}
	e.readLoopOn = true
	e.pendingMu.Unlock()

	go e.clientReadLoop()
}

func (e *Endpoint) clientReadLoop() {
	for {
		msg, err := ReadMessage(e.r)
		if err != nil {
			e.failAllPending(err)
			e.pendingMu.Lock()
			e.readLoopOn = false
			e.pendingMu.Unlock()
			return
		}

		if msg.Verb == "ok" || msg.Verb == "error" {
			e.pendingMu.Lock()
			p, ok := e.pending[msg.ID]
			if ok {
				delete(e.pending, msg.ID)
			}
			remaining := len(e.pending)
			e.pendingMu.Unlock()
			if ok {
				p.Resolve(append([]string{msg.Verb}, msg.Args...))
			} else {
				e.cfg.Logger.Info("unmatchedReply", slog.Uint64("id", msg.ID), slog.String("verb", msg.Verb))
			}
			if remaining == 0 {
				e.pendingMu.Lock()
				if len(e.pending) == 0 {
					e.readLoopOn = false
					e.pendingMu.Unlock()
					return
				}
				e.pendingMu.Unlock()
			}
			continue
		}

		if e.onEvent != nil {
			e.onEvent(msg.Verb, msg.Args)
		}
	}
}

func (e *Endpoint) failAllPending(err error) {
	e.pendingMu.Lock()
	pending := e.pending
	e.pending = make(map[uint64]*Promise[[]string])
	e.pendingMu.Unlock()
	for _, p := range pending {
		p.Fail(err)
	}
}

// finishReply splits a settled [verb, rest...] reply into the
// (rest, error) pair SendMsg returns.
func finishReply(reply []string) ([]string, error) {
	verb, rest := reply[0], reply[1:]
	if verb == "error" {
		return nil, &CommandError{Fields: rest}
	}
	return rest, nil
}

// CommandError wraps an `error ...` reply as a Go error.
type CommandError struct {
	Fields []string
}

func (e *CommandError) Error() string {
	msg := "protocol: command failed"
	for _, f := range e.Fields {
		msg += " " + f
	}
	return msg
}
