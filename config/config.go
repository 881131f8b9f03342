// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the YAML service declarations into a frozen,
// read-only [Snapshot]: the reconciler and action executor consult
// only the snapshot, never the raw document, and a reload swaps one
// snapshot for another as a single pointer assignment.
package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/nrdvana/desd/model"
)

// envRefRE matches an argv token that is a late-bound environment
// reference, e.g. "${PORT}".
var envRefRE = regexp.MustCompile(`^\$\{(\w+)\}$`)

// defaultSignalHandlers is the built-in signal-name to handler-name
// mapping; a config document may overlay entries onto it by repeating
// a signal name with a different handler.
var defaultSignalHandlers = map[string]string{
	"SIGHUP":  "reload_config",
	"SIGINT":  "reload_state",
	"SIGTERM": "shutdown_graceful",
	"SIGQUIT": "shutdown_immediate",
	"SIGUSR1": "verbosity_up",
	"SIGUSR2": "verbosity_down",
}

// Snapshot is a read-only, fully-resolved view of one configuration
// load or reload: every service's defaults and action overlays are
// merged, every argv token is parsed, at construction time.
type Snapshot struct {
	Services map[string]*model.Service
	Signals  map[string]string // signal name -> handler name
}

// Service returns the resolved service named name, and whether it is
// present in this snapshot.
func (s *Snapshot) Service(name string) (*model.Service, bool) {
	svc, ok := s.Services[name]
	return svc, ok
}

// ServiceNames returns every configured service name.
func (s *Snapshot) ServiceNames() []string {
	names := make([]string, 0, len(s.Services))
	for name := range s.Services {
		names = append(names, name)
	}
	return names
}

// rawDocument is the top-level shape of the YAML config file.
type rawDocument struct {
	Services map[string]rawService `yaml:"services"`
	Signals  map[string]string     `yaml:"signals"`
}

type rawService struct {
	Goal    string               `yaml:"goal"`
	Env     map[string]*string   `yaml:"env"`
	Run     *rawExecSpec         `yaml:"run"`
	IO      []string             `yaml:"io"`
	Actions map[string]rawAction `yaml:"actions"`
}

type rawAction struct {
	Goal        string              `yaml:"goal"`
	Env         map[string]*string  `yaml:"env"`
	Parallelism []string            `yaml:"parallelism"`
	Tokens      []string            `yaml:"tokens"`
	Internal    *rawInternalSpec    `yaml:"internal"`
	Exec        *rawExecSpec        `yaml:"exec"`
}

type rawInternalSpec struct {
	Method string   `yaml:"method"`
	Args   []string `yaml:"args"`
}

type rawExecSpec struct {
	Argv  []string `yaml:"argv"`
	Argv0 string   `yaml:"argv0"`
}

// Load reads and parses the YAML document at path into a frozen
// [*Snapshot]. Defaults (the four built-in actions, the default
// signal mapping) are merged in before the snapshot is returned, so
// nothing downstream ever needs to consult an absent field.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return normalize(&doc)
}

func normalize(doc *rawDocument) (*Snapshot, error) {
	snap := &Snapshot{
		Services: make(map[string]*model.Service, len(doc.Services)),
		Signals:  make(map[string]string, len(defaultSignalHandlers)),
	}

	for sig, handler := range defaultSignalHandlers {
		snap.Signals[sig] = handler
	}
	for sig, handler := range doc.Signals {
		snap.Signals[sig] = handler
	}

	for name, rs := range doc.Services {
		if !model.NameRE.MatchString(name) {
			return nil, fmt.Errorf("config: invalid service name %q", name)
		}
		svc, err := normalizeService(name, rs)
		if err != nil {
			return nil, fmt.Errorf("config: service %q: %w", name, err)
		}
		snap.Services[name] = svc
	}
	return snap, nil
}

func normalizeService(name string, rs rawService) (*model.Service, error) {
	goal := model.Goal(rs.Goal)
	if goal == "" {
		goal = model.GoalUp
	}
	if !goal.Valid() {
		return nil, fmt.Errorf("invalid goal %q", rs.Goal)
	}

	for _, h := range rs.IO {
		if !model.HandleNameRE.MatchString(h) {
			return nil, fmt.Errorf("invalid handle name %q", h)
		}
	}

	overrides := make(map[string]*model.Action, len(rs.Actions))
	for aname, ra := range rs.Actions {
		if !model.NameRE.MatchString(aname) {
			return nil, fmt.Errorf("invalid action name %q", aname)
		}
		action, err := normalizeAction(name, aname, ra)
		if err != nil {
			return nil, fmt.Errorf("action %q: %w", aname, err)
		}
		overrides[aname] = action
	}

	var run *model.ExecSpec
	if rs.Run != nil {
		run = normalizeExecSpec(rs.Run)
	}

	return &model.Service{
		Name:      name,
		Env:       rs.Env,
		Run:       run,
		DefaultIO: rs.IO,
		Goal:      goal,
		Actions:   model.MergeActions(name, overrides),
	}, nil
}

func normalizeExecSpec(raw *rawExecSpec) *model.ExecSpec {
	spec := &model.ExecSpec{Argv: make([]model.ArgToken, 0, len(raw.Argv))}
	for _, tok := range raw.Argv {
		spec.Argv = append(spec.Argv, parseArgToken(tok))
	}
	if raw.Argv0 != "" {
		t := parseArgToken(raw.Argv0)
		spec.Argv0 = &t
	}
	return spec
}

func normalizeAction(svname, aname string, ra rawAction) (*model.Action, error) {
	action := &model.Action{
		ServiceName: svname,
		Name:        aname,
		EnvOverlay:  ra.Env,
	}

	if ra.Goal != "" {
		g := model.Goal(ra.Goal)
		if !g.Valid() {
			return nil, fmt.Errorf("invalid goal %q", ra.Goal)
		}
		action.Goal = &g
	}

	if len(ra.Parallelism) == 1 && ra.Parallelism[0] == "*" {
		action.Parallelism = model.ParallelSet{Wildcard: true}
	} else if len(ra.Parallelism) > 0 {
		names := make(map[string]struct{}, len(ra.Parallelism))
		for _, n := range ra.Parallelism {
			names[n] = struct{}{}
		}
		action.Parallelism = model.ParallelSet{Names: names}
	}

	if len(ra.Tokens) > 0 {
		tokens := make(map[string]struct{}, len(ra.Tokens))
		for _, t := range ra.Tokens {
			tokens[t] = struct{}{}
		}
		action.Tokens = tokens
	}

	switch {
	case ra.Internal != nil && ra.Exec != nil:
		return nil, fmt.Errorf("action declares both internal and exec run specs")
	case ra.Internal != nil:
		action.Run = model.RunSpec{Internal: &model.InternalSpec{
			Method: model.InternalName(ra.Internal.Method),
			Args:   ra.Internal.Args,
		}}
	case ra.Exec != nil:
		action.Run = model.RunSpec{Exec: normalizeExecSpec(ra.Exec)}
	default:
		return nil, fmt.Errorf("action declares neither internal nor exec run spec")
	}

	return action, nil
}

func parseArgToken(tok string) model.ArgToken {
	if m := envRefRE.FindStringSubmatch(tok); m != nil {
		return model.EnvToken(m[1])
	}
	return model.Lit(tok)
}
