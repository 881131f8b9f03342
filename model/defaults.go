// SPDX-License-Identifier: GPL-3.0-or-later

package model

// DefaultKillScript is the built-in stop sequence: SIGTERM and SIGCONT,
// wait 30s, SIGTERM again, wait 20s, escalate to SIGQUIT, wait 5s, and
// finally SIGKILL with a last 20s wait.
const DefaultKillScript = "SIGTERM SIGCONT 30 SIGTERM 20 SIGQUIT 5 SIGKILL 20"

func goalPtr(g Goal) *Goal { return &g }

// NewDefaultActions returns the four built-in actions (start, stop,
// restart, check) for svname. Config overlay code merges user-declared
// actions onto this base by name, so a service that only customizes
// "start" still gets the built-in "stop"/"restart"/"check".
func NewDefaultActions(svname string) map[string]*Action {
	return map[string]*Action{
		"start": {
			ServiceName: svname,
			Name:        "start",
			Run: RunSpec{Internal: &InternalSpec{
				Method: InternalExecUnlessRunning,
			}},
		},
		"stop": {
			ServiceName: svname,
			Name:        "stop",
			Run: RunSpec{Internal: &InternalSpec{
				Method: InternalKillscript,
				Args:   []string{DefaultKillScript},
			}},
			Goal: goalPtr(GoalDown),
		},
		"restart": {
			ServiceName: svname,
			Name:        "restart",
			Run: RunSpec{Internal: &InternalSpec{
				Method: InternalStopStart,
				Args:   []string{DefaultKillScript},
			}},
			Goal: goalPtr(GoalCycle),
		},
		"check": {
			ServiceName: svname,
			Name:        "check",
			Run: RunSpec{Internal: &InternalSpec{
				Method: InternalWaitForUptime,
				Args:   []string{"3"},
			}},
			Parallelism: ParallelSet{Wildcard: true},
		},
	}
}

// MergeActions overlays user-declared actions onto the built-in
// defaults for svname. User actions replace the default of the same
// name entirely; they do not merge field-by-field.
func MergeActions(svname string, overrides map[string]*Action) map[string]*Action {
	merged := NewDefaultActions(svname)
	for name, a := range overrides {
		merged[name] = a
	}
	return merged
}
