// SPDX-License-Identifier: GPL-3.0-or-later

package spawner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nrdvana/desd/model"
)

func TestHandleEventServiceState(t *testing.T) {
	var got []Event
	c := &Client{
		services: make(map[string]*model.ObservedState),
		signals:  make(map[string]bool),
		onEvent:  func(ev Event) { got = append(got, ev) },
	}

	c.handleEvent("service.state", []string{"web", "UP", "42"})

	st, ok := c.Observed("web")
	require.True(t, ok)
	assert.True(t, st.Running)
	assert.Equal(t, 42, st.PID)

	require.Len(t, got, 1)
	assert.Equal(t, EventServiceState, got[0].Kind)
	assert.Equal(t, "web", got[0].Service)
}

func TestHandleEventServiceExit(t *testing.T) {
	c := &Client{
		services: make(map[string]*model.ObservedState),
		signals:  make(map[string]bool),
	}
	c.handleEvent("service.state", []string{"web", "UP", "42"})
	c.handleEvent("service.exit", []string{"web", "signal", "SIGTERM"})

	st, ok := c.Observed("web")
	require.True(t, ok)
	assert.False(t, st.Running)
	assert.True(t, st.Exited)
	assert.Equal(t, model.ExitReasonSignal, st.Exit.Reason)
	assert.Equal(t, "SIGTERM", st.Exit.Value)
}

func TestHandleEventSignalPending(t *testing.T) {
	c := &Client{
		services: make(map[string]*model.ObservedState),
		signals:  make(map[string]bool),
	}
	c.handleEvent("signal", []string{"SIGHUP"})

	pending := c.PendingSignals()
	assert.Equal(t, []string{"SIGHUP"}, pending)

	c.ClearSignal("SIGHUP")
	assert.Empty(t, c.PendingSignals())
}

func TestKillTargetReapedDeliversOnExitEvent(t *testing.T) {
	c := &Client{
		services: make(map[string]*model.ObservedState),
		signals:  make(map[string]bool),
		reapers:  make(map[string]map[int]chan model.ExitInfo),
	}
	c.handleEvent("service.state", []string{"web", "UP", "7"})

	target := c.KillTarget("web")
	pid, running := target.Snapshot()
	assert.Equal(t, 7, pid)
	assert.True(t, running)

	ch := target.Reaped(7)
	c.handleEvent("service.exit", []string{"web", "exit", "0"})

	select {
	case got := <-ch:
		assert.Equal(t, model.ExitInfo{Reason: model.ExitReasonExit, Value: "0"}, got)
	default:
		t.Fatal("expected service.exit to deliver on the armed channel")
	}
}

func TestKillTargetNotRunning(t *testing.T) {
	c := &Client{
		services: make(map[string]*model.ObservedState),
		signals:  make(map[string]bool),
	}
	target := c.KillTarget("idle")
	_, running := target.Snapshot()
	assert.False(t, running)
}
