// SPDX-License-Identifier: GPL-3.0-or-later

package action

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nrdvana/desd/model"
)

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for action result")
		return Result{}
	}
}

func TestExecutorRunsInternalAction(t *testing.T) {
	sp := &fakeSpawner{observed: map[string]model.ObservedState{"web": {Running: true}}}
	exec := NewExecutor(Deps{Spawner: sp})

	check := &model.Action{Name: "check", Run: model.RunSpec{Internal: &model.InternalSpec{Method: model.InternalExecUnlessRunning}}}

	done := make(chan Result, 1)
	exec.Enqueue(context.Background(), "web", check, nil, func(r Result) { done <- r })

	result := waitResult(t, done)
	assert.True(t, result.Success)
}

func TestExecutorAttachesToInFlightSameAction(t *testing.T) {
	sp := &fakeSpawner{observed: map[string]model.ObservedState{"web": {Running: true}}}
	exec := NewExecutor(Deps{Spawner: sp})

	// Occupy the active slot by hand so both Enqueue calls below race
	// against a still-running invocation of the same action name.
	inv := &invocation{ctx: context.Background(), service: "web", action: &model.Action{Name: "start", Parallelism: model.ParallelSet{}}}
	exec.active["web"] = []*invocation{inv}

	done1 := make(chan Result, 1)
	done2 := make(chan Result, 1)
	start := &model.Action{Name: "start", Run: model.RunSpec{Internal: &model.InternalSpec{Method: model.InternalExecUnlessRunning}}}
	exec.Enqueue(context.Background(), "web", start, nil, func(r Result) { done1 <- r })
	exec.Enqueue(context.Background(), "web", start, nil, func(r Result) { done2 <- r })

	select {
	case <-done1:
		t.Fatal("action should not have resolved while its in-flight invocation is still blocked")
	case <-time.After(50 * time.Millisecond):
	}

	exec.finish(inv, Result{Success: true})
	assert.True(t, waitResult(t, done1).Success)
	assert.True(t, waitResult(t, done2).Success)
}

func TestExecutorQueuesIncompatibleParallelism(t *testing.T) {
	sp := &fakeSpawner{observed: map[string]model.ObservedState{"web": {Running: true}}}
	exec := NewExecutor(Deps{Spawner: sp})

	running := &invocation{ctx: context.Background(), service: "web", action: &model.Action{Name: "stop", Parallelism: model.ParallelSet{}}}
	exec.active["web"] = []*invocation{running}

	restart := &model.Action{Name: "restart", Parallelism: model.ParallelSet{}, Run: model.RunSpec{Internal: &model.InternalSpec{Method: model.InternalExecUnlessRunning}}}

	done := make(chan Result, 1)
	exec.Enqueue(context.Background(), "web", restart, nil, func(r Result) { done <- r })

	require.Len(t, exec.queue["web"], 1)

	exec.finish(running, Result{Success: true})
	assert.True(t, waitResult(t, done).Success)
}

func TestAdmissibleWildcardParallelism(t *testing.T) {
	exec := NewExecutor(Deps{})
	active := &model.Action{Name: "check", Parallelism: model.ParallelSet{Wildcard: true}}
	exec.active["web"] = []*invocation{{service: "web", action: active}}

	other := &model.Action{Name: "start", Parallelism: model.ParallelSet{Wildcard: true}}
	assert.True(t, exec.admissible("web", other))
}
