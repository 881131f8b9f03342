// SPDX-License-Identifier: GPL-3.0-or-later

// Package spawner mirrors the spawner process's view of services and
// pending signals, and sends it directives over a [protocol.Endpoint]
// in the client role.
package spawner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nrdvana/desd/model"
	"github.com/nrdvana/desd/protocol"
)

// Client wraps a client-role [protocol.Endpoint] bound to the spawner
// socket: it sends directives, mirrors the spawner's reported state,
// and dispatches events to a reconciler-supplied callback.
type Client struct {
	ep *protocol.Endpoint

	mu           sync.Mutex
	services     map[string]*model.ObservedState
	runningSince map[string]time.Time // service -> when it was last observed transitioning to running
	signals      map[string]bool
	reapers      map[string]map[int]chan model.ExitInfo // service -> pid -> waiter
	stateWaiters map[string][]chan struct{}             // service -> subscribers notified on every state update

	onEvent func(ev Event)
}

// Event is one spawner event delivered to the reconciler: a changed
// service state/exit, or a pending signal.
type Event struct {
	Kind    EventKind
	Service string
	State   model.ObservedState
	Signal  string
}

// EventKind classifies an [Event].
type EventKind int

// The event kinds the spawner emits.
const (
	EventServiceState EventKind = iota
	EventServiceExit
	EventSignal
	EventStatedumpComplete
)

// NewClient wraps ep (which must be a client-role endpoint bound to
// the spawner socket) and registers ep's event callback.
func NewClient(ep *protocol.Endpoint, onEvent func(Event)) *Client {
	c := &Client{
		ep:           ep,
		services:     make(map[string]*model.ObservedState),
		runningSince: make(map[string]time.Time),
		signals:      make(map[string]bool),
		reapers:      make(map[string]map[int]chan model.ExitInfo),
		onEvent:      onEvent,
	}
	ep.OnEvent(c.handleEvent)
	return c
}

// handleEvent updates the mirrored state for a raw spawner event line
// and forwards a decoded [Event] to the reconciler callback.
func (c *Client) handleEvent(verb string, args []string) {
	switch verb {
	case "statedump_complete":
		if c.onEvent != nil {
			c.onEvent(Event{Kind: EventStatedumpComplete})
		}
	case "service.state":
		if len(args) != 3 {
			return
		}
		name, up, pidStr := args[0], args[1], args[2]
		var pid int
		fmt.Sscanf(pidStr, "%d", &pid)

		c.mu.Lock()
		st, ok := c.services[name]
		if !ok {
			st = &model.ObservedState{}
			c.services[name] = st
		}
		running := up == "UP"
		if running && (!st.Running || st.PID != pid) {
			if c.runningSince == nil {
				c.runningSince = make(map[string]time.Time)
			}
			c.runningSince[name] = time.Now()
		} else if !running {
			delete(c.runningSince, name)
		}
		st.Running = running
		st.PID = pid
		snapshot := c.snapshotLocked(name, st)
		c.mu.Unlock()

		c.wakeStateWaiters(name)

		if c.onEvent != nil {
			c.onEvent(Event{Kind: EventServiceState, Service: name, State: snapshot})
		}
	case "service.exit":
		if len(args) != 3 {
			return
		}
		name, reason, value := args[0], args[1], args[2]
		exitReason := model.ExitReasonExit
		if reason == "signal" {
			exitReason = model.ExitReasonSignal
		}

		exit := model.ExitInfo{Reason: exitReason, Value: value}

		c.mu.Lock()
		st, ok := c.services[name]
		if !ok {
			st = &model.ObservedState{}
			c.services[name] = st
		}
		priorPID := st.PID
		st.Running = false
		st.Exited = true
		st.Exit = exit
		delete(c.runningSince, name)
		snapshot := c.snapshotLocked(name, st)
		c.mu.Unlock()

		c.notifyReap(name, priorPID, exit)

		if c.onEvent != nil {
			c.onEvent(Event{Kind: EventServiceExit, Service: name, State: snapshot})
		}
	case "signal":
		if len(args) != 1 {
			return
		}
		name := args[0]
		c.mu.Lock()
		c.signals[name] = true
		c.mu.Unlock()
		if c.onEvent != nil {
			c.onEvent(Event{Kind: EventSignal, Signal: name})
		}
	}
}

// snapshotLocked returns a copy of st with Uptime computed from the
// wall-clock span since the service was last observed transitioning
// into the running state. Callers must hold c.mu.
func (c *Client) snapshotLocked(name string, st *model.ObservedState) model.ObservedState {
	snap := *st
	if snap.Running {
		if since, ok := c.runningSince[name]; ok {
			snap.Uptime = time.Since(since).Seconds()
		}
	}
	return snap
}

// Observed returns a copy of the mirrored state for service, and
// whether anything has been observed for it yet.
func (c *Client) Observed(service string) (model.ObservedState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.services[service]
	if !ok {
		return model.ObservedState{}, false
	}
	return c.snapshotLocked(service, st), true
}

// Services returns the names the mirror currently has state for.
func (c *Client) Services() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	return names
}

// PendingSignals returns the names with an unacknowledged pending mark.
func (c *Client) PendingSignals() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.signals))
	for name, pending := range c.signals {
		if pending {
			names = append(names, name)
		}
	}
	return names
}

// ClearSignal clears name's pending mark.
func (c *Client) ClearSignal(name string) {
	c.mu.Lock()
	delete(c.signals, name)
	c.mu.Unlock()
}

// Reset clears all mirrored state, for use before a startup/reload
// statedump.
func (c *Client) Reset() {
	c.mu.Lock()
	c.services = make(map[string]*model.ObservedState)
	c.runningSince = make(map[string]time.Time)
	c.signals = make(map[string]bool)
	c.mu.Unlock()
}

// AwaitReap returns a channel that receives exactly one value when
// service's invocation identified by pid is reaped. Both the
// kill-script runner and the action executor's exec dispatch use this
// to learn about a reap from the spawner's event stream instead of
// polling observed state.
func (c *Client) AwaitReap(service string, pid int) <-chan model.ExitInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters, ok := c.reapers[service]
	if !ok {
		waiters = make(map[int]chan model.ExitInfo)
		c.reapers[service] = waiters
	}
	if ch, ok := waiters[pid]; ok {
		return ch
	}
	ch := make(chan model.ExitInfo, 1)
	waiters[pid] = ch
	return ch
}

// wakeStateWaiters notifies every subscriber registered via
// subscribeState for service that its observed state changed.
func (c *Client) wakeStateWaiters(service string) {
	c.mu.Lock()
	waiters := c.stateWaiters[service]
	delete(c.stateWaiters, service)
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

func (c *Client) subscribeState(service string) <-chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	if c.stateWaiters == nil {
		c.stateWaiters = make(map[string][]chan struct{})
	}
	c.stateWaiters[service] = append(c.stateWaiters[service], ch)
	c.mu.Unlock()
	return ch
}

// WaitForRunning blocks until service is observed running with a
// nonzero PID, or ctx is done. Used after a transient child's
// service.start directive, whose acknowledgement only confirms the
// spawner accepted the request, not that the process is up yet.
func (c *Client) WaitForRunning(ctx context.Context, service string) (model.ObservedState, error) {
	for {
		if st, ok := c.Observed(service); ok && st.Running && st.PID != 0 {
			return st, nil
		}
		changed := c.subscribeState(service)
		select {
		case <-changed:
		case <-ctx.Done():
			return model.ObservedState{}, ctx.Err()
		}
	}
}

// notifyReap delivers exit to the waiter armed for service/pid, if any.
func (c *Client) notifyReap(service string, pid int, exit model.ExitInfo) {
	c.mu.Lock()
	waiters := c.reapers[service]
	var ch chan model.ExitInfo
	if waiters != nil {
		ch = waiters[pid]
		delete(waiters, pid)
	}
	c.mu.Unlock()
	if ch != nil {
		ch <- exit
	}
}
