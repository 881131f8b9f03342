// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/nrdvana/desd"
	"github.com/nrdvana/desd/action"
	"github.com/nrdvana/desd/config"
	"github.com/nrdvana/desd/ioerrclass"
	"github.com/nrdvana/desd/killscript"
	"github.com/nrdvana/desd/model"
	"github.com/nrdvana/desd/protocol"
	"github.com/nrdvana/desd/reconciler"
	"github.com/nrdvana/desd/spawner"
)

// options are the resolved CLI flags, gathered here so app construction
// doesn't need to know about cobra or pflag at all.
type options struct {
	baseDir         string
	configPath      string
	socketPath      string
	desdPath        string
	daemonproxyPath string
	control         string
	verbosity       int // +1 per -v, -1 per -q
}

// app holds every long-lived collaborator wired together for one run
// of the daemon.
type app struct {
	cfg      *desd.Config
	levelVar *slog.LevelVar
	opts     options

	spawnerConn net.Conn
	spawnerEP   *protocol.Endpoint
	spawnerCli  *spawner.Client

	executor *action.Executor
	killRun  *killscript.Runner
	rec      *reconciler.Reconciler

	listener net.Listener
}

// newApp connects to the spawner, loads configuration, and wires the
// reconciler and action executor together. It does not yet accept
// control-socket clients or start the reconciliation loop; call
// [app.run] for that.
func newApp(ctx context.Context, opts options) (*app, error) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(levelFromVerbosity(opts.verbosity))
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})

	cfg := desd.NewConfig()
	cfg.Logger = slog.New(handler)
	cfg.ErrClassifier = desd.ErrClassifierFunc(ioerrclass.Classify)

	snap, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	conn, err := dialControl(opts.control)
	if err != nil {
		return nil, fmt.Errorf("connecting to spawner: %w", err)
	}

	ep, err := protocol.NewEndpoint(ctx, conn, protocol.RoleClient, cfg, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("wrapping spawner connection: %w", err)
	}

	a := &app{
		cfg:         cfg,
		levelVar:    levelVar,
		opts:        opts,
		spawnerConn: conn,
		spawnerEP:   ep,
		killRun:     killscript.NewRunner(),
	}

	sp := spawner.NewClient(ep, a.handleSpawnerEvent)
	a.spawnerCli = sp

	a.executor = action.NewExecutor(action.Deps{Spawner: sp, KillRunner: a.killRun, Logger: cfg.Logger})

	a.rec = reconciler.New(cfg, snap, sp, a.executor, reconciler.SignalHandlers{
		ReloadConfig:      a.reloadConfig,
		ReloadState:       a.reloadState,
		ShutdownGraceful:  a.shutdownGraceful,
		ShutdownImmediate: a.shutdownImmediate,
		VerbosityUp:       a.verbosityUp,
		VerbosityDown:     a.verbosityDown,
	})

	return a, nil
}

// dialControl resolves --control into a live connection: a bare
// integer names an inherited file descriptor (the common case when
// the external exec_daemonproxy bootstrap hands Desd an already-open
// socket), anything else is a filesystem path to dial as a unix
// socket.
func dialControl(control string) (net.Conn, error) {
	if fd, err := strconv.Atoi(control); err == nil {
		f := os.NewFile(uintptr(fd), "spawner-control")
		if f == nil {
			return nil, fmt.Errorf("invalid control descriptor %d", fd)
		}
		return net.FileConn(f)
	}
	return net.Dial("unix", control)
}

func levelFromVerbosity(v int) slog.Level {
	switch {
	case v >= 1:
		return slog.LevelDebug
	case v <= -1:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func (a *app) verbosityUp() {
	a.levelVar.Set(a.levelVar.Level() - 4)
}

func (a *app) verbosityDown() {
	a.levelVar.Set(a.levelVar.Level() + 4)
}

// handleSpawnerEvent forwards a decoded spawner event into the
// reconciler's work queue.
func (a *app) handleSpawnerEvent(ev spawner.Event) {
	switch ev.Kind {
	case spawner.EventServiceState, spawner.EventServiceExit:
		a.rec.EnqueueService(ev.Service)
	case spawner.EventSignal:
		a.rec.EnqueueSignal(ev.Signal)
	}
}

func (a *app) reloadConfig(ctx context.Context) {
	snap, err := config.Load(a.opts.configPath)
	if err != nil {
		a.cfg.Logger.Info("reloadConfigFailed", "error", err.Error())
		return
	}
	a.rec.Reload(snap)
}

// reloadState re-issues a statedump without touching configuration,
// resynchronizing the mirror against the spawner's own view.
func (a *app) reloadState(ctx context.Context) {
	if err := a.rec.Startup(ctx); err != nil {
		a.cfg.Logger.Info("reloadStateFailed", "error", err.Error())
	}
}

func (a *app) shutdownGraceful(ctx context.Context) {
	a.cfg.Logger.Info("shutdownGraceful")
	// Non-goal: Desd does not itself drain in-flight actions beyond
	// what the reconciler's own goal-down convergence already does;
	// an operator sets every service's goal to down before this fires
	// for a true drain.
	a.closeListener()
}

func (a *app) shutdownImmediate(ctx context.Context) {
	a.cfg.Logger.Info("shutdownImmediate")
	os.Exit(0)
}

func (a *app) closeListener() {
	if a.listener != nil {
		a.listener.Close()
	}
}

// serveControl listens on the control socket and serves one
// server-role endpoint per accepted connection until ctx is done.
func (a *app) serveControl(ctx context.Context) error {
	os.Remove(a.opts.socketPath)
	l, err := net.Listen("unix", a.opts.socketPath)
	if err != nil {
		return fmt.Errorf("binding control socket: %w", err)
	}
	a.listener = l

	registry := protocol.NewCommandRegistry(a.commandDeps())

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go a.serveClient(ctx, conn, registry)
	}
}

func (a *app) serveClient(ctx context.Context, conn net.Conn, registry *protocol.Registry) {
	ep, err := protocol.NewEndpoint(ctx, conn, protocol.RoleServer, a.cfg, registry)
	if err != nil {
		conn.Close()
		return
	}
	if err := ep.Serve(ctx); err != nil {
		a.cfg.Logger.Info("controlClientClosed", "error", err.Error())
	}
}

// commandDeps adapts the reconciler/executor/kill-runner stack to the
// shape [protocol.NewCommandRegistry] expects.
func (a *app) commandDeps() protocol.Deps {
	return protocol.Deps{
		Authorize:      a.authorize,
		DispatchAction: a.dispatchAction,
		RunKillScript:  a.runKillScript,
		Status:         a.status,
	}
}

// authorize is the opaque permission predicate every built-in command
// consults before acting. Every caller on the control socket is
// currently trusted; restricting this per-op or per-token is the
// intended extension point.
func (a *app) authorize(op string, args ...string) bool {
	return true
}

func (a *app) dispatchAction(ctx context.Context, serviceName, actionName string) (*protocol.Promise[[]string], error) {
	svc, ok := a.rec.Snapshot().Service(serviceName)
	if !ok {
		return nil, protocol.ErrNotFound
	}
	act, ok := svc.Actions[actionName]
	if !ok {
		return nil, protocol.ErrNotFound
	}

	p := protocol.NewPromise[[]string]()
	env := model.ResolveEnv(svc.Env, act.EnvOverlay)
	a.executor.Enqueue(ctx, serviceName, act, env, func(res action.Result) {
		if res.Success {
			p.Resolve([]string{"complete"})
		} else {
			p.Fail(errors.New("failed"))
		}
	})
	return p, nil
}

func (a *app) runKillScript(ctx context.Context, serviceName, scriptText string) (bool, []string, error) {
	if _, ok := a.rec.Snapshot().Service(serviceName); !ok {
		if _, present := a.spawnerCli.Observed(serviceName); !present {
			return false, nil, protocol.ErrNotFound
		}
	}
	script, err := killscript.Parse(scriptText)
	if err != nil {
		return false, nil, err
	}
	target := a.spawnerCli.KillTarget(serviceName)
	res, err := a.killRun.Run(ctx, serviceName, script, target)
	if err != nil {
		return false, nil, err
	}
	switch res.Outcome {
	case killscript.OutcomeNotRunning:
		return true, []string{"not_running"}, nil
	case killscript.OutcomeReaped:
		return true, []string{"reaped", string(res.Exit.Reason), res.Exit.Value}, nil
	default:
		return false, []string{"still_running"}, nil
	}
}

func (a *app) status() (up, down, total int) {
	for _, name := range a.spawnerCli.Services() {
		st, ok := a.spawnerCli.Observed(name)
		if !ok {
			continue
		}
		total++
		if st.Running {
			up++
		} else {
			down++
		}
	}
	return up, down, total
}

// run starts the reconciler and control socket and blocks until ctx
// is canceled.
func (a *app) run(ctx context.Context) error {
	if err := a.rec.Startup(ctx); err != nil {
		return fmt.Errorf("initial statedump: %w", err)
	}

	go func() {
		if err := a.rec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.cfg.Logger.Info("reconcilerStopped", "error", err.Error())
		}
	}()

	return a.serveControl(ctx)
}

func (a *app) close() {
	a.spawnerConn.Close()
	a.closeListener()
}
