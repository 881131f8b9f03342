// SPDX-License-Identifier: GPL-3.0-or-later

// Package killscript parses and serializes kill scripts — the ordered
// sequence of signal-send and wait steps a [Runner] drives against a
// service until it exits or the script is exhausted — and runs them.
package killscript

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// tokenRE matches one wire token: a signal name or a decimal duration.
var tokenRE = regexp.MustCompile(`^(SIG\w+|\d+(\.\d+)?)$`)

// fieldRE matches the whole wire field, for a cheap reject before
// splitting and classifying individual tokens.
var fieldRE = regexp.MustCompile(`^(SIG\w+|\d+(\.\d+)?)( (SIG\w+|\d+(\.\d+)?))*$`)

// StepKind distinguishes a signal-send step from a wait step.
type StepKind int

// The two kinds of step a kill script can contain.
const (
	StepSend StepKind = iota
	StepWait
)

// Step is one element of a parsed [Script].
type Step struct {
	Kind StepKind

	// Signal is set when Kind is StepSend, e.g. "SIGTERM".
	Signal string

	// Wait is set when Kind is StepWait.
	Wait time.Duration

	// raw preserves the original field text for exact round-trip
	// serialization, since a duration like "30" and "30.0" parse to
	// the same time.Duration but must serialize back losslessly.
	raw string
}

// Script is a non-empty ordered sequence of send/wait steps.
type Script []Step

// Parse validates field against the KillScript wire grammar and
// returns the parsed step sequence. Tokens are classified independently
// by shape (a token starting with "SIG" is a signal, otherwise a
// duration); the grammar does not require strict alternation, and the
// built-in stop script sends two signals (SIGTERM, SIGCONT) before its
// first wait.
func Parse(field string) (Script, error) {
	if field == "" {
		return nil, fmt.Errorf("killscript: empty script")
	}
	if !fieldRE.MatchString(field) {
		return nil, fmt.Errorf("killscript: malformed field %q", field)
	}

	tokens := strings.Split(field, " ")
	script := make(Script, 0, len(tokens))
	for _, tok := range tokens {
		if !tokenRE.MatchString(tok) {
			return nil, fmt.Errorf("killscript: malformed token %q", tok)
		}
		if strings.HasPrefix(tok, "SIG") {
			script = append(script, Step{Kind: StepSend, Signal: tok, raw: tok})
			continue
		}
		seconds, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("killscript: malformed duration %q: %w", tok, err)
		}
		if seconds <= 0 {
			return nil, fmt.Errorf("killscript: non-positive duration %q", tok)
		}
		script = append(script, Step{
			Kind: StepWait,
			Wait: time.Duration(seconds * float64(time.Second)),
			raw:  tok,
		})
	}
	return script, nil
}

// String serializes the script back to its wire field form. For any
// valid field s, Parse(s).String() == s.
func (s Script) String() string {
	raws := make([]string, len(s))
	for i, step := range s {
		raws[i] = step.raw
	}
	return strings.Join(raws, " ")
}
