// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"reflect"

	"github.com/nrdvana/desd/model"
)

// ServiceDiff is the result of comparing two snapshots: which service
// names need a reconciliation pass, and which were dropped from
// config entirely (and so are left running, never torn down, until
// their own observed state says otherwise).
type ServiceDiff struct {
	Reconcile []string
	Removed   []string
}

// Diff compares old against new and reports which services changed
// or were added (Reconcile) and which were removed (Removed). A
// service present in both with identical run, io, goal, env and
// actions is reported in neither list, satisfying the reload property
// that unchanged services emit no directives.
func Diff(old, new *Snapshot) ServiceDiff {
	var d ServiceDiff

	for name, svc := range new.Services {
		prev, existed := old.Services[name]
		if !existed || !serviceEqual(prev, svc) {
			d.Reconcile = append(d.Reconcile, name)
		}
	}
	for name := range old.Services {
		if _, ok := new.Services[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	return d
}

// serviceEqual reports whether two resolved services are identical in
// every way that would cause the reconciler to emit a directive.
func serviceEqual(a, b *model.Service) bool {
	return a.Goal == b.Goal &&
		reflect.DeepEqual(a.Run, b.Run) &&
		reflect.DeepEqual(a.DefaultIO, b.DefaultIO) &&
		reflect.DeepEqual(envValues(a.Env), envValues(b.Env)) &&
		actionsEqual(a.Actions, b.Actions)
}

func envValues(env map[string]*string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if v != nil {
			out[k] = *v
		} else {
			out[k] = "\x00unset"
		}
	}
	return out
}

func actionsEqual(a, b map[string]*model.Action) bool {
	if len(a) != len(b) {
		return false
	}
	for name, av := range a {
		bv, ok := b[name]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}
