// SPDX-License-Identifier: GPL-3.0-or-later

package killscript

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nrdvana/desd/model"
)

const defaultKillScriptField = model.DefaultKillScript

func TestParseSingleSignal(t *testing.T) {
	s, err := Parse("SIGTERM")
	require.NoError(t, err)
	require.Len(t, s, 1)
	assert.Equal(t, StepSend, s[0].Kind)
	assert.Equal(t, "SIGTERM", s[0].Signal)
}

func TestParseDefaultScript(t *testing.T) {
	s, err := Parse(defaultKillScriptField)
	require.NoError(t, err)
	require.Len(t, s, 8)

	want := []struct {
		kind StepKind
		sig  string
		wait time.Duration
	}{
		{StepSend, "SIGTERM", 0},
		{StepSend, "SIGCONT", 0},
		{StepWait, "", 30 * time.Second},
		{StepSend, "SIGTERM", 0},
		{StepWait, "", 20 * time.Second},
		{StepSend, "SIGQUIT", 0},
		{StepWait, "", 5 * time.Second},
		{StepSend, "SIGKILL", 0},
		{StepWait, "", 20 * time.Second},
	}
	for i, w := range want {
		assert.Equal(t, w.kind, s[i].Kind, "step %d", i)
		if w.kind == StepSend {
			assert.Equal(t, w.sig, s[i].Signal, "step %d", i)
		} else {
			assert.Equal(t, w.wait, s[i].Wait, "step %d", i)
		}
	}
}

func TestParseFractionalDuration(t *testing.T) {
	s, err := Parse("SIGTERM 2.5")
	require.NoError(t, err)
	require.Len(t, s, 2)
	assert.Equal(t, 2500*time.Millisecond, s[1].Wait)
}

func TestParseRejectsEmpty(t *testing.T) {
	_, err := Parse("")
	assert.Error(t, err)
}

func TestParseRejectsMalformedToken(t *testing.T) {
	_, err := Parse("SIGTERM not-a-token")
	assert.Error(t, err)
}

func TestParseRejectsNonPositiveDuration(t *testing.T) {
	_, err := Parse("SIGTERM 0")
	assert.Error(t, err)

	_, err = Parse("SIGTERM -5")
	assert.Error(t, err)
}

func TestParseRejectsDoubleSpace(t *testing.T) {
	_, err := Parse("SIGTERM  30")
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	for _, field := range []string{
		"SIGTERM",
		"SIGTERM 30",
		defaultKillScriptField,
		"SIGTERM 2.5 SIGKILL 1.0",
	} {
		s, err := Parse(field)
		require.NoError(t, err, field)
		assert.Equal(t, field, s.String(), field)
	}
}
