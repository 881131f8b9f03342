// SPDX-License-Identifier: GPL-3.0-or-later

package action

import (
	"context"
	"sync"

	"github.com/nrdvana/desd"
	"github.com/nrdvana/desd/model"
)

// Executor holds, per service, a FIFO queue of pending invocations and
// the set of invocations currently active, admitting a new invocation
// immediately when its parallelism set and every active invocation's
// parallelism set mutually allow it, queueing it otherwise.
type Executor struct {
	deps Deps

	mu     sync.Mutex
	active map[string][]*invocation
	queue  map[string][]*invocation
}

type invocation struct {
	ctx     context.Context
	service string
	action  *model.Action
	env     map[string]string
	waiters []func(Result)
}

// NewExecutor returns a ready-to-use [*Executor].
func NewExecutor(deps Deps) *Executor {
	return &Executor{
		deps:   deps,
		active: make(map[string][]*invocation),
		queue:  make(map[string][]*invocation),
	}
}

// Enqueue starts act on service, or attaches onDone to an already
// in-flight invocation of the same action, or queues it behind
// whatever is currently active and not mutually parallel-compatible.
func (e *Executor) Enqueue(ctx context.Context, service string, act *model.Action, env map[string]string, onDone func(Result)) {
	e.mu.Lock()

	for _, inv := range e.active[service] {
		if inv.action.Name == act.Name {
			if onDone != nil {
				inv.waiters = append(inv.waiters, onDone)
			}
			e.mu.Unlock()
			return
		}
	}

	inv := &invocation{ctx: ctx, service: service, action: act, env: env}
	if onDone != nil {
		inv.waiters = append(inv.waiters, onDone)
	}

	if e.admissible(service, act) {
		e.active[service] = append(e.active[service], inv)
		e.mu.Unlock()
		go e.run(inv.ctx, inv)
		return
	}

	e.queue[service] = append(e.queue[service], inv)
	e.mu.Unlock()
}

// admissible reports whether act may start immediately given what is
// currently active on service: the active set is empty, or every
// active invocation's parallelism set allows act and act's
// parallelism set allows every active invocation.
func (e *Executor) admissible(service string, act *model.Action) bool {
	active := e.active[service]
	if len(active) == 0 {
		return true
	}
	for _, inv := range active {
		if !inv.action.Parallelism.Allows(act.Name) || !act.Parallelism.Allows(inv.action.Name) {
			return false
		}
	}
	return true
}

func (e *Executor) run(ctx context.Context, inv *invocation) {
	span := desd.NewSpanID()
	e.deps.logger().Debug("actionStart", "service", inv.service, "action", inv.action.Name, "span", span)

	req := &Request{Service: inv.service, Env: inv.env}
	var result Result
	var err error
	if inv.action.Run.IsInternal() {
		req.Spec = inv.action.Run.Internal
		result, err = Dispatch(ctx, e.deps, req)
	} else {
		result, err = e.runExec(ctx, inv)
	}
	if err != nil {
		result = Result{Success: false}
	}

	e.deps.logger().Debug("actionDone", "service", inv.service, "action", inv.action.Name, "span", span, "success", result.Success)
	e.finish(inv, result)
}

func (e *Executor) finish(inv *invocation, result Result) {
	e.mu.Lock()
	active := e.active[inv.service]
	for i, a := range active {
		if a == inv {
			e.active[inv.service] = append(active[:i], active[i+1:]...)
			break
		}
	}
	waiters := inv.waiters
	e.mu.Unlock()

	for _, w := range waiters {
		w(result)
	}

	e.drain(inv.service)
}

// drain admits as many queued invocations for service as the current
// active set allows, re-evaluating admissibility after each admission
// since a newly admitted action changes what else is compatible.
func (e *Executor) drain(service string) {
	for {
		e.mu.Lock()
		queue := e.queue[service]
		admittedIdx := -1
		for i, inv := range queue {
			if e.admissible(service, inv.action) {
				admittedIdx = i
				break
			}
		}
		if admittedIdx == -1 {
			e.mu.Unlock()
			return
		}
		inv := queue[admittedIdx]
		e.queue[service] = append(queue[:admittedIdx:admittedIdx], queue[admittedIdx+1:]...)
		e.active[service] = append(e.active[service], inv)
		e.mu.Unlock()

		go e.run(inv.ctx, inv)
	}
}
