// SPDX-License-Identifier: GPL-3.0-or-later

// Package reconciler drives the single-threaded convergence loop that
// reduces each service's observed state toward its declared goal,
// reacting to spawner events, action completions, and config reloads
// by enqueueing small units of work onto one dedup'd queue.
package reconciler

import (
	"context"
	"reflect"
	"runtime"
	"sync"

	"github.com/nrdvana/desd"
	"github.com/nrdvana/desd/action"
	"github.com/nrdvana/desd/config"
	"github.com/nrdvana/desd/model"
)

// Spawner is the slice of [spawner.Client]'s behavior the reconciler
// drives directly, kept as an interface so tests can substitute a
// fake mirror without a live protocol endpoint.
type Spawner interface {
	Observed(service string) (model.ObservedState, bool)
	Services() []string
	PendingSignals() []string
	ClearSignal(name string)
	Reset()
	Statedump(ctx context.Context) error
	SetArgv(ctx context.Context, service string, argv []string) error
	SetHandles(ctx context.Context, service string, handles []string) error
	SetAutoUp(ctx context.Context, service string, autoUp bool, scope string) error
	SetWant(ctx context.Context, service string, goal model.Goal) error
	Delete(ctx context.Context, service string) error
}

// Executor is the slice of [action.Executor]'s behavior the
// reconciler dispatches through.
type Executor interface {
	Enqueue(ctx context.Context, service string, act *model.Action, env map[string]string, onDone func(action.Result))
}

// SignalHandlers are the Go functions bound to the handler names a
// config's signal map names. A nil field means that handler name, if
// ever referenced, is a no-op.
type SignalHandlers struct {
	ReloadConfig      func(ctx context.Context)
	ReloadState       func(ctx context.Context)
	ShutdownGraceful  func(ctx context.Context)
	ShutdownImmediate func(ctx context.Context)
	VerbosityUp       func()
	VerbosityDown     func()
}

// appliedSpec is what the reconciler last told the spawner a
// service's argv and handle list were, so step 3 of reconcile_service
// can tell whether config drifted from what was actually applied.
type appliedSpec struct {
	argv    []string
	handles []string
}

// Stats is an in-memory, additive snapshot of reconciler activity.
// The `status` client command does not report it. It does not persist
// across restarts.
type Stats struct {
	ServicesReconciled uint64
	SignalsHandled     uint64
	QueueDepth         int
}

type workKind int

const (
	workService workKind = iota
	workSignal
)

type workItem struct {
	kind workKind
	name string
}

// Reconciler is the convergence loop: one goroutine draining a
// dedup'd work queue, reading only from the current [*config.Snapshot]
// and the spawner mirror, and dispatching through the action executor.
type Reconciler struct {
	cfg      *desd.Config
	spawner  Spawner
	executor Executor
	handlers SignalHandlers

	mu       sync.Mutex
	snapshot *config.Snapshot
	goals    map[string]model.Goal
	inFlight map[string]bool
	applied  map[string]appliedSpec

	pendingMu sync.Mutex
	pending   map[workItem]bool
	work      chan workItem

	statsMu sync.Mutex
	stats   Stats
}

// New returns a [*Reconciler] bound to snap, ready for [Reconciler.Run].
func New(cfg *desd.Config, snap *config.Snapshot, sp Spawner, exec Executor, handlers SignalHandlers) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		spawner:  sp,
		executor: exec,
		handlers: handlers,
		snapshot: snap,
		goals:    make(map[string]model.Goal),
		inFlight: make(map[string]bool),
		applied:  make(map[string]appliedSpec),
		pending:  make(map[workItem]bool),
		work:     make(chan workItem, 256),
	}
}

// Stats returns a copy of the current activity counters.
func (r *Reconciler) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s := r.stats
	r.pendingMu.Lock()
	s.QueueDepth = len(r.pending)
	r.pendingMu.Unlock()
	return s
}

// EnqueueService schedules a reconciliation pass for name, collapsing
// with any already-pending request for the same service.
func (r *Reconciler) EnqueueService(name string) {
	r.enqueue(workItem{kind: workService, name: name})
}

// EnqueueSignal schedules handling of a pending signal named name.
func (r *Reconciler) EnqueueSignal(name string) {
	r.enqueue(workItem{kind: workSignal, name: name})
}

func (r *Reconciler) enqueue(item workItem) {
	r.pendingMu.Lock()
	if r.pending[item] {
		r.pendingMu.Unlock()
		return
	}
	r.pending[item] = true
	r.pendingMu.Unlock()
	r.work <- item
}

// Reload swaps in a new snapshot and enqueues every service the diff
// says needs reconciliation. Services removed from config but still
// running are left alone, per spec: only their name drops out of
// future lookups, nothing is torn down on their behalf.
func (r *Reconciler) Reload(newSnap *config.Snapshot) {
	r.mu.Lock()
	oldSnap := r.snapshot
	r.snapshot = newSnap
	r.mu.Unlock()

	diff := config.Diff(oldSnap, newSnap)
	for _, name := range diff.Reconcile {
		r.mu.Lock()
		delete(r.goals, name) // re-seed from the new declared goal
		r.mu.Unlock()
		r.EnqueueService(name)
	}
}

// Startup resets the mirrored spawner state, requests a fresh
// statedump, and once it completes enqueues one reconciliation per
// pending signal and per service named in config or in the mirror.
// Call this once at process start and again after a full state reload.
func (r *Reconciler) Startup(ctx context.Context) error {
	r.spawner.Reset()
	if err := r.spawner.Statedump(ctx); err != nil {
		return err
	}

	seen := make(map[string]bool)
	r.mu.Lock()
	for _, name := range r.snapshot.ServiceNames() {
		seen[name] = true
	}
	r.mu.Unlock()
	for _, name := range r.spawner.Services() {
		seen[name] = true
	}
	for name := range seen {
		r.EnqueueService(name)
	}
	for _, name := range r.spawner.PendingSignals() {
		r.EnqueueSignal(name)
	}
	return nil
}

// Run drains the work queue until ctx is done, processing at most one
// item per tick and yielding the scheduler between items so no single
// service's reconciliation can starve the rest.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case item := <-r.work:
			r.pendingMu.Lock()
			delete(r.pending, item)
			r.pendingMu.Unlock()

			switch item.kind {
			case workService:
				r.reconcileService(ctx, item.name)
			case workSignal:
				r.reconcileSignal(ctx, item.name)
			}
			runtime.Gosched()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Reconciler) snapshotRef() *config.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// Snapshot returns the currently active configuration snapshot, for
// callers (the command registry's service_action/killscript handlers)
// that need to resolve a service/action name outside the convergence
// loop itself.
func (r *Reconciler) Snapshot() *config.Snapshot {
	return r.snapshotRef()
}

// reconcileService runs the 8-step convergence algorithm for name.
func (r *Reconciler) reconcileService(ctx context.Context, name string) {
	span := desd.NewSpanID()
	r.cfg.Logger.Debug("reconcileServiceStart", "service", name, "span", span)
	defer func() {
		r.statsMu.Lock()
		r.stats.ServicesReconciled++
		r.statsMu.Unlock()
		r.cfg.Logger.Debug("reconcileServiceDone", "service", name, "span", span)
	}()

	snap := r.snapshotRef()
	svcCfg, configured := snap.Service(name)
	observed, present := r.spawner.Observed(name)

	if !configured {
		if present && !observed.Running {
			r.cfg.Logger.Info("reconcileDeleteUnconfigured", "service", name)
			if err := r.spawner.Delete(ctx, name); err != nil {
				r.cfg.Logger.Info("reconcileDeleteFailed", "service", name, "error", err.Error())
			}
			r.forgetService(name)
		}
		return
	}

	env := model.ResolveEnv(svcCfg.Env, nil)
	argv, handles := resolveRunSpec(svcCfg, env)

	r.mu.Lock()
	prevApplied, hadApplied := r.applied[name]
	goal, haveGoal := r.goals[name]
	if !haveGoal {
		goal = svcCfg.Goal
		r.goals[name] = goal
	}
	r.mu.Unlock()

	if !present {
		if err := r.applyRunSpec(ctx, name, argv, handles); err != nil {
			r.cfg.Logger.Info("reconcileCreateFailed", "service", name, "error", err.Error())
			return
		}
	} else if !hadApplied || !reflect.DeepEqual(prevApplied.argv, argv) || !reflect.DeepEqual(prevApplied.handles, handles) {
		if err := r.applyRunSpec(ctx, name, argv, handles); err != nil {
			r.cfg.Logger.Info("reconcileUpdateFailed", "service", name, "error", err.Error())
			return
		}
	}

	if err := r.spawner.SetWant(ctx, name, goal); err != nil {
		r.cfg.Logger.Info("reconcileSetWantFailed", "service", name, "error", err.Error())
	}
	if err := r.spawner.SetAutoUp(ctx, name, goal == model.GoalUp, "reconciler"); err != nil {
		r.cfg.Logger.Info("reconcileAutoUpFailed", "service", name, "error", err.Error())
	}

	r.mu.Lock()
	inFlight := r.inFlight[name]
	r.mu.Unlock()
	if inFlight {
		return
	}

	switch goal {
	case model.GoalUp:
		if !observed.Running {
			r.dispatch(ctx, svcCfg, "start", env)
		}
	case model.GoalOnce:
		// Started exactly once: never redispatched after its first
		// exit, unlike "up" which the spawner's auto_up flag keeps
		// alive and "cycle" which the branch below re-arms.
		if !observed.Running && !observed.Exited {
			r.dispatch(ctx, svcCfg, "start", env)
		}
	case model.GoalDown:
		if observed.Running {
			r.dispatch(ctx, svcCfg, "stop", env)
		}
	case model.GoalCycle:
		if observed.Running {
			r.dispatchCycleStop(ctx, svcCfg, env)
		} else {
			r.setGoal(name, model.GoalUp)
			r.EnqueueService(name)
		}
	}
}

// dispatch runs actionName on svc through the executor, marking the
// service in-flight until it completes and re-enqueueing it
// afterward so the next convergence step can proceed.
func (r *Reconciler) dispatch(ctx context.Context, svc *model.Service, actionName string, env map[string]string) {
	act, ok := svc.Actions[actionName]
	if !ok {
		return
	}

	r.mu.Lock()
	r.inFlight[svc.Name] = true
	r.mu.Unlock()

	if act.Goal != nil {
		r.setGoal(svc.Name, *act.Goal)
	}

	name := svc.Name
	r.executor.Enqueue(ctx, name, act, overlayEnv(env, act.EnvOverlay), func(action.Result) {
		r.mu.Lock()
		delete(r.inFlight, name)
		r.mu.Unlock()
		r.EnqueueService(name)
	})
}

// overlayEnv merges an action's declared env overlay onto an already
// resolved base environment; a nil overlay value deletes the variable.
func overlayEnv(base map[string]string, overlay map[string]*string) map[string]string {
	if len(overlay) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		if v == nil {
			delete(out, k)
		} else {
			out[k] = *v
		}
	}
	return out
}

// dispatchCycleStop runs the "stop" action on behalf of a cycle goal.
// The stop action's own declared goal transition (normally "down") is
// overridden back to "up" once it completes, so the next convergence
// pass proceeds straight to starting the service again instead of
// settling on "down" the way a plain stop would.
func (r *Reconciler) dispatchCycleStop(ctx context.Context, svc *model.Service, env map[string]string) {
	act, ok := svc.Actions["stop"]
	if !ok {
		return
	}

	name := svc.Name
	r.mu.Lock()
	r.inFlight[name] = true
	r.mu.Unlock()

	if act.Goal != nil {
		r.setGoal(name, *act.Goal)
	}

	r.executor.Enqueue(ctx, name, act, overlayEnv(env, act.EnvOverlay), func(action.Result) {
		r.mu.Lock()
		delete(r.inFlight, name)
		r.mu.Unlock()
		r.setGoal(name, model.GoalUp)
		r.EnqueueService(name)
	})
}

func (r *Reconciler) setGoal(name string, goal model.Goal) {
	r.mu.Lock()
	r.goals[name] = goal
	r.mu.Unlock()
}

func (r *Reconciler) forgetService(name string) {
	r.mu.Lock()
	delete(r.goals, name)
	delete(r.inFlight, name)
	delete(r.applied, name)
	r.mu.Unlock()
}

func (r *Reconciler) applyRunSpec(ctx context.Context, name string, argv, handles []string) error {
	if err := r.spawner.SetArgv(ctx, name, argv); err != nil {
		return err
	}
	if err := r.spawner.SetHandles(ctx, name, handles); err != nil {
		return err
	}
	r.mu.Lock()
	r.applied[name] = appliedSpec{argv: argv, handles: handles}
	r.mu.Unlock()
	return nil
}

func resolveRunSpec(svc *model.Service, env map[string]string) (argv, handles []string) {
	handles = svc.DefaultIO
	if svc.Run == nil {
		return nil, handles
	}
	argv = make([]string, 0, len(svc.Run.Argv))
	for _, tok := range svc.Run.Argv {
		argv = append(argv, tok.Resolve(env))
	}
	if svc.Run.Argv0 != nil && len(argv) > 0 {
		argv[0] = svc.Run.Argv0.Resolve(env)
	}
	return argv, handles
}

// reconcileSignal clears name's pending mark and invokes its
// configured handler, per the default or overlaid signal mapping.
func (r *Reconciler) reconcileSignal(ctx context.Context, name string) {
	defer func() {
		r.statsMu.Lock()
		r.stats.SignalsHandled++
		r.statsMu.Unlock()
	}()

	r.spawner.ClearSignal(name)

	handler := r.snapshotRef().Signals[name]
	switch handler {
	case "reload_config":
		if r.handlers.ReloadConfig != nil {
			r.handlers.ReloadConfig(ctx)
		}
	case "reload_state":
		if r.handlers.ReloadState != nil {
			r.handlers.ReloadState(ctx)
		}
	case "shutdown_graceful":
		if r.handlers.ShutdownGraceful != nil {
			r.handlers.ShutdownGraceful(ctx)
		}
	case "shutdown_immediate":
		if r.handlers.ShutdownImmediate != nil {
			r.handlers.ShutdownImmediate(ctx)
		}
	case "verbosity_up":
		if r.handlers.VerbosityUp != nil {
			r.handlers.VerbosityUp()
		}
	case "verbosity_down":
		if r.handlers.VerbosityDown != nil {
			r.handlers.VerbosityDown()
		}
	default:
		r.cfg.Logger.Info("reconcileUnknownSignalHandler", "signal", name, "handler", handler)
	}
}
