// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"context"
	"errors"
	"regexp"
	"strconv"

	"github.com/nrdvana/desd/killscript"
)

// nameRE matches a valid service or action name field, mirroring
// model.NameRE without importing package model: protocol stays a leaf
// package with no dependency on the service domain model it carries
// commands for.
var nameRE = regexp.MustCompile(`^\w[\w.-]*$`)

// ErrNotFound is returned by a [Deps] method when the named service
// or action does not exist, mapping to `error invalid` rather than
// the generic `error failed`.
var ErrNotFound = errors.New("protocol: not found")

// Deps are the application callbacks the built-in client commands
// delegate to. cmd/desd wires these to the action executor, the
// kill-script runner, and the spawner client's mirrored state.
type Deps struct {
	// Authorize reports whether the caller may perform op against
	// args. The permission model is an opaque predicate so a caller
	// can plug in token checks, ACLs, or anything else without
	// changing the command registry.
	Authorize func(op string, args ...string) bool

	// DispatchAction starts (or attaches to) an action invocation and
	// returns a promise resolved with the reply fields to send after
	// "ok" (e.g. ["complete"]) once it finishes.
	DispatchAction func(ctx context.Context, service, action string) (*Promise[[]string], error)

	// RunKillScript runs script against service and returns the reply
	// fields to send after "ok"/"error" (e.g. ["reaped", "signal",
	// "SIGTERM"], ["not_running"], or the error case ["still_running"]).
	// It blocks for the duration of the script, so callers run it in
	// its own goroutine (the server dispatch loop already does this
	// for every handler).
	RunKillScript func(ctx context.Context, service, script string) (ok bool, reply []string, err error)

	// Status returns the current up/down/total counts of services.
	Status func() (up, down, total int)
}

// NewCommandRegistry builds the registry of built-in client commands:
// echo, service_action, killscript, and the supplemented status
// query. Extensions overlay additional entries with [Registry.Overlay].
func NewCommandRegistry(deps Deps) *Registry {
	r := NewRegistry()

	r.Register("echo", Entry{
		Validator: func(args []string) bool { return true },
		Handler: func(ctx context.Context, args []string) (Outcome, error) {
			return Terminal(append([]string{"ok"}, args...)...), nil
		},
	})

	r.Register("service_action", Entry{
		Validator: func(args []string) bool {
			return len(args) == 2 && nameRE.MatchString(args[0]) && nameRE.MatchString(args[1])
		},
		Handler: func(ctx context.Context, args []string) (Outcome, error) {
			service, action := args[0], args[1]
			if !deps.Authorize("service_action", service, action) {
				return Outcome{}, errors.New("denied")
			}
			p, err := deps.DispatchAction(ctx, service, action)
			if errors.Is(err, ErrNotFound) {
				return Terminal("error", "invalid"), nil
			}
			if err != nil {
				return Outcome{}, err
			}
			return AwaitPromise(p, func(ctx context.Context, resolved []string) (Outcome, error) {
				return Terminal(append([]string{"ok"}, resolved...)...), nil
			}), nil
		},
	})

	r.Register("killscript", Entry{
		Validator: func(args []string) bool {
			if len(args) < 2 || !nameRE.MatchString(args[0]) {
				return false
			}
			_, err := killscript.Parse(joinFields(args[1:]))
			return err == nil
		},
		Handler: func(ctx context.Context, args []string) (Outcome, error) {
			service := args[0]
			script := joinFields(args[1:])
			if !deps.Authorize("kill_service", service) {
				return Outcome{}, errors.New("denied")
			}
			ok, reply, err := deps.RunKillScript(ctx, service, script)
			if errors.Is(err, ErrNotFound) {
				return Terminal("error", "invalid"), nil
			}
			if err != nil {
				return Outcome{}, err
			}
			verb := "ok"
			if !ok {
				verb = "error"
			}
			return Terminal(append([]string{verb}, reply...)...), nil
		},
	})

	r.Register("status", Entry{
		Validator: func(args []string) bool { return len(args) == 0 },
		Handler: func(ctx context.Context, args []string) (Outcome, error) {
			up, down, total := deps.Status()
			return Terminal("ok", "up", strconv.Itoa(up), "down", strconv.Itoa(down), "total", strconv.Itoa(total)), nil
		},
	})

	return r
}

// joinFields reassembles a killscript SCRIPT argument from the TAB-split
// fields the wire grammar produced, matching the space-separated form
// package killscript parses.
func joinFields(fields []string) string {
	out := fields[0]
	for _, f := range fields[1:] {
		out += " " + f
	}
	return out
}
