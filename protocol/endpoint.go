// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/nrdvana/desd"
)

// Role is which side of the protocol an [Endpoint] plays.
type Role int

// The two roles an [Endpoint] can be constructed with.
const (
	RoleClient Role = iota
	RoleServer
)

// EventCallback receives a non-terminal inbound message (one whose
// verb is not "ok" or "error") on the client role's read loop, for
// verbs outside the client's request/response bookkeeping (e.g.
// spawner events like `service.state`).
type EventCallback func(verb string, args []string)

// Endpoint is one side of a protocol connection: client and server
// roles are realized as methods on this single type, asserting the
// role once at entry, rather than as separate types or runtime class
// mutation (see spec's role-composition design note).
type Endpoint struct {
	role Role
	conn net.Conn
	r    *bufio.Reader
	cfg  *desd.Config

	writeMu sync.Mutex

	// client role state
	nextID    uint64
	pendingMu sync.Mutex
	pending   map[uint64]*Promise[[]string]
	readLoopOn bool
	onEvent   EventCallback

	// server role state
	registry *Registry
	activeMu sync.Mutex
	active   map[uint64]*serverCommand
}

// serverCommand tracks the in-flight handler/continuation chain for
// one correlation id on the server role.
type serverCommand struct {
	verb       string
	cancel     context.CancelFunc
	generation uint64
}

// NewEndpoint wraps conn for use as the given role. cfg supplies the
// ambient logger, error classifier, and clock; registry is consulted
// by the server role only (pass nil for a client-only endpoint). The
// connection is wrapped with [desd.CancelWatchFunc] (closed when ctx
// is done) composed with [desd.NewObserveConnFunc] (I/O logged via
// cfg.Logger), the same decorator pipeline the supervisor's sockets
// use everywhere else.
func NewEndpoint(ctx context.Context, conn net.Conn, role Role, cfg *desd.Config, registry *Registry) (*Endpoint, error) {
	pipeline := desd.Compose2[net.Conn, net.Conn, net.Conn](
		&desd.CancelWatchFunc{},
		desd.NewObserveConnFunc(cfg, cfg.Logger),
	)
	wrapped, err := pipeline.Call(ctx, conn)
	if err != nil {
		return nil, err
	}
	return &Endpoint{
		role:     role,
		conn:     wrapped,
		r:        bufio.NewReader(wrapped),
		cfg:      cfg,
		pending:  make(map[uint64]*Promise[[]string]),
		registry: registry,
		active:   make(map[uint64]*serverCommand),
	}, nil
}

// Close closes the underlying connection. Idempotent.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// writeMessage serializes the write under writeMu so concurrent
// senders never interleave partial lines.
func (e *Endpoint) writeMessage(id uint64, fields ...string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return WriteMessage(e.conn, id, fields...)
}

// reply writes a terminal reply for id, logging failures since the
// caller (a fire-and-forget dispatch goroutine) has no one else to
// report them to.
func (e *Endpoint) reply(id uint64, fields ...string) {
	if err := e.writeMessage(id, fields...); err != nil {
		e.cfg.Logger.Info("replyFailed",
			slog.Uint64("id", id),
			slog.Any("err", err),
			slog.String("errClass", e.cfg.ErrClassifier.Classify(err)),
		)
	}
}

func (e *Endpoint) requireRole(want Role) {
	if e.role != want {
		panic(fmt.Sprintf("protocol: method requires role %d, endpoint is role %d", want, e.role))
	}
}
