// SPDX-License-Identifier: GPL-3.0-or-later

// Package action dispatches a service's resolved [model.RunSpec]:
// internal methods are composed from [desd.Func] values, exec-style
// invocations are delegated to the spawner as transient children.
package action

import (
	"context"
	"strconv"
	"time"

	"github.com/nrdvana/desd"
	"github.com/nrdvana/desd/killscript"
	"github.com/nrdvana/desd/model"
)

// uptimePollInterval is how often WaitForUptime re-checks the spawner
// mirror while waiting for a service's observed uptime to reach its
// target.
const uptimePollInterval = 50 * time.Millisecond

// logger returns deps.Logger, or the package default discard logger
// if unset, so callers never need a nil check.
func (d Deps) logger() desd.SLogger {
	if d.Logger != nil {
		return d.Logger
	}
	return desd.DefaultSLogger()
}

// Request is the input threaded through an internal method's
// [desd.Func] pipeline: the same value flows from stage to stage, each
// stage reading and updating it in turn.
type Request struct {
	Service string
	Spec    *model.InternalSpec
	Env     map[string]string

	// LastResult is set by each stage as it completes, overwriting
	// the previous stage's value; a composed pipeline reports the
	// value its final stage set (see [StopStart]).
	LastResult Result
}

// Result is an internal method's resolution.
type Result struct {
	Success bool
	Exit    model.ExitInfo
}

// Spawner is the slice of [spawner.Client]'s behavior internal
// methods and exec dispatch need, kept as an interface so tests can
// substitute a fake without a live protocol endpoint.
type Spawner interface {
	Observed(service string) (model.ObservedState, bool)
	Start(ctx context.Context, service string) error
	SetArgv(ctx context.Context, service string, argv []string) error
	WaitForRunning(ctx context.Context, service string) (model.ObservedState, error)
	AwaitReap(service string, pid int) <-chan model.ExitInfo
	KillTarget(service string) killscript.Target
}

// Deps are the collaborators internal methods dispatch through.
type Deps struct {
	Spawner    Spawner
	KillRunner *killscript.Runner
	// Logger receives one debug-level line per dispatched invocation,
	// tagged with a span id correlating its start and completion.
	// Nil uses a discard logger.
	Logger desd.SLogger
}

// ExecUnlessRunning resolves immediately with success if the service
// is already observed running; otherwise it asks the spawner to start
// it and resolves once that directive is acknowledged.
func ExecUnlessRunning(deps Deps) desd.Func[*Request, *Request] {
	return desd.FuncAdapter[*Request, *Request](func(ctx context.Context, req *Request) (*Request, error) {
		if st, ok := deps.Spawner.Observed(req.Service); ok && st.Running {
			req.LastResult = Result{Success: true}
			return req, nil
		}
		if err := deps.Spawner.Start(ctx, req.Service); err != nil {
			req.LastResult = Result{Success: false}
			return req, err
		}
		req.LastResult = Result{Success: true}
		return req, nil
	})
}

// Killscript parses spec's killscript argument and runs it against
// the service, resolving with success when the service is reaped.
func Killscript(deps Deps) desd.Func[*Request, *Request] {
	return desd.FuncAdapter[*Request, *Request](func(ctx context.Context, req *Request) (*Request, error) {
		if len(req.Spec.Args) < 1 {
			return req, errInvalidSpec
		}
		script, err := killscript.Parse(req.Spec.Args[0])
		if err != nil {
			return req, err
		}
		target := deps.Spawner.KillTarget(req.Service)
		res, err := deps.KillRunner.Run(ctx, req.Service, script, target)
		if err != nil {
			return req, err
		}
		req.LastResult = Result{
			Success: res.Outcome == killscript.OutcomeReaped || res.Outcome == killscript.OutcomeNotRunning,
			Exit:    res.Exit,
		}
		return req, nil
	})
}

// WaitForUptime resolves success once the service has been observed
// running continuously for the number of seconds named by spec's sole
// argument, failure the instant it is observed not running, or the
// context's error if it is canceled first.
func WaitForUptime(deps Deps) desd.Func[*Request, *Request] {
	return waitForUptimeAt(deps, 0)
}

// waitForUptimeAt polls the spawner mirror until the service's
// observed [model.ObservedState.Uptime] reaches the duration named by
// req.Spec.Args[argIndex]. argIndex is parameterized rather than fixed
// at 0 so [StopStartCheck] can compose this stage after one that
// already consumes Args[0] for its own purpose.
func waitForUptimeAt(deps Deps, argIndex int) desd.Func[*Request, *Request] {
	return desd.FuncAdapter[*Request, *Request](func(ctx context.Context, req *Request) (*Request, error) {
		if len(req.Spec.Args) <= argIndex {
			return req, errInvalidSpec
		}
		target, err := strconv.ParseFloat(req.Spec.Args[argIndex], 64)
		if err != nil || target < 0 {
			return req, errInvalidSpec
		}

		ticker := time.NewTicker(uptimePollInterval)
		defer ticker.Stop()
		for {
			st, ok := deps.Spawner.Observed(req.Service)
			if !ok || !st.Running {
				req.LastResult = Result{Success: false}
				return req, nil
			}
			if st.Uptime >= target {
				req.LastResult = Result{Success: true}
				return req, nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return req, ctx.Err()
			}
		}
	})
}

// StopStart composes the killscript and exec_unless_running stages
// into the "restart" internal method, reusing [desd.Compose2] for
// exactly the purpose it was built for: threading one value (here
// *Request, there net.Conn) through a fixed sequence of stages.
func StopStart(deps Deps) desd.Func[*Request, *Request] {
	return desd.Compose2[*Request, *Request, *Request](Killscript(deps), ExecUnlessRunning(deps))
}

// StopStartCheck composes kill, start, and an uptime confirmation into
// the "stop_start_check" internal method: a restart that only reports
// success once the restarted process has stayed up continuously for
// the duration named by the method's second argument (Args[0] is the
// kill script field, Args[1] the uptime duration).
func StopStartCheck(deps Deps) desd.Func[*Request, *Request] {
	return desd.Compose3[*Request, *Request, *Request, *Request](
		Killscript(deps), ExecUnlessRunning(deps), waitForUptimeAt(deps, 1),
	)
}

// runExec resolves spec's argv against env, asks the spawner to
// reconfigure the service as this transient invocation, starts it,
// and awaits its reap. Success is exit reason "exit" with code "0".
func (e *Executor) runExec(ctx context.Context, inv *invocation) (Result, error) {
	spec := inv.action.Run.Exec
	argv := make([]string, 0, len(spec.Argv))
	for _, tok := range spec.Argv {
		argv = append(argv, tok.Resolve(inv.env))
	}
	if spec.Argv0 != nil {
		argv[0] = spec.Argv0.Resolve(inv.env)
	}

	if err := e.deps.Spawner.SetArgv(ctx, inv.service, argv); err != nil {
		return Result{}, err
	}
	if err := e.deps.Spawner.Start(ctx, inv.service); err != nil {
		return Result{}, err
	}
	st, err := e.deps.Spawner.WaitForRunning(ctx, inv.service)
	if err != nil {
		return Result{}, err
	}
	select {
	case exit := <-e.deps.Spawner.AwaitReap(inv.service, st.PID):
		return Result{
			Success: exit.Reason == model.ExitReasonExit && exit.Value == "0",
			Exit:    exit,
		}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Dispatch resolves an internal method by name and runs it, returning
// the final [Result].
func Dispatch(ctx context.Context, deps Deps, req *Request) (Result, error) {
	var fn desd.Func[*Request, *Request]
	switch req.Spec.Method {
	case model.InternalExecUnlessRunning:
		fn = ExecUnlessRunning(deps)
	case model.InternalKillscript:
		fn = Killscript(deps)
	case model.InternalStopStart:
		fn = StopStart(deps)
	case model.InternalWaitForUptime:
		fn = WaitForUptime(deps)
	case model.InternalStopStartCheck:
		fn = StopStartCheck(deps)
	default:
		return Result{}, errUnknownMethod
	}
	out, err := fn.Call(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return out.LastResult, nil
}
