// SPDX-License-Identifier: GPL-3.0-or-later

package action

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nrdvana/desd/killscript"
	"github.com/nrdvana/desd/model"
)

type fakeSpawner struct {
	observed   map[string]model.ObservedState
	startErr   error
	startCalls []string
	target     killscript.Target
}

func (f *fakeSpawner) Observed(service string) (model.ObservedState, bool) {
	st, ok := f.observed[service]
	return st, ok
}

func (f *fakeSpawner) Start(ctx context.Context, service string) error {
	f.startCalls = append(f.startCalls, service)
	if f.startErr == nil {
		if f.observed == nil {
			f.observed = make(map[string]model.ObservedState)
		}
		f.observed[service] = model.ObservedState{Running: true, Uptime: 5}
	}
	return f.startErr
}

func (f *fakeSpawner) SetArgv(ctx context.Context, service string, argv []string) error { return nil }

func (f *fakeSpawner) WaitForRunning(ctx context.Context, service string) (model.ObservedState, error) {
	return f.observed[service], nil
}

func (f *fakeSpawner) AwaitReap(service string, pid int) <-chan model.ExitInfo {
	ch := make(chan model.ExitInfo, 1)
	return ch
}

func (f *fakeSpawner) KillTarget(service string) killscript.Target { return f.target }

type fakeTarget struct {
	pid     int
	running bool
	reaped  chan model.ExitInfo
	signals []string
}

func (t *fakeTarget) Snapshot() (int, bool) { return t.pid, t.running }
func (t *fakeTarget) Signal(ctx context.Context, sig string) error {
	t.signals = append(t.signals, sig)
	return nil
}
func (t *fakeTarget) Reaped(pid int) <-chan model.ExitInfo { return t.reaped }

func TestExecUnlessRunningAlreadyUp(t *testing.T) {
	deps := Deps{Spawner: &fakeSpawner{observed: map[string]model.ObservedState{
		"web": {Running: true},
	}}}
	req := &Request{Service: "web", Spec: &model.InternalSpec{Method: model.InternalExecUnlessRunning}}
	result, err := Dispatch(context.Background(), deps, req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, deps.Spawner.(*fakeSpawner).startCalls)
}

func TestExecUnlessRunningStartsWhenDown(t *testing.T) {
	sp := &fakeSpawner{observed: map[string]model.ObservedState{"web": {Running: false}}}
	deps := Deps{Spawner: sp}
	req := &Request{Service: "web", Spec: &model.InternalSpec{Method: model.InternalExecUnlessRunning}}
	result, err := Dispatch(context.Background(), deps, req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"web"}, sp.startCalls)
}

func TestKillscriptDispatchReaped(t *testing.T) {
	reaped := make(chan model.ExitInfo, 1)
	reaped <- model.ExitInfo{Reason: model.ExitReasonSignal, Value: "SIGTERM"}
	target := &fakeTarget{pid: 42, running: true, reaped: reaped}
	sp := &fakeSpawner{observed: map[string]model.ObservedState{"web": {Running: true, PID: 42}}, target: target}
	deps := Deps{Spawner: sp, KillRunner: killscript.NewRunner()}

	req := &Request{Service: "web", Spec: &model.InternalSpec{
		Method: model.InternalKillscript,
		Args:   []string{"SIGTERM 5"},
	}}
	result, err := Dispatch(context.Background(), deps, req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, model.ExitReasonSignal, result.Exit.Reason)
	assert.Equal(t, []string{"SIGTERM"}, target.signals)
}

func TestStopStartComposesKillscriptThenStart(t *testing.T) {
	reaped := make(chan model.ExitInfo, 1)
	reaped <- model.ExitInfo{Reason: model.ExitReasonExit, Value: "0"}
	target := &fakeTarget{pid: 1, running: true, reaped: reaped}
	sp := &fakeSpawner{observed: map[string]model.ObservedState{"web": {Running: false}}, target: target}
	deps := Deps{Spawner: sp, KillRunner: killscript.NewRunner()}

	req := &Request{Service: "web", Spec: &model.InternalSpec{
		Method: model.InternalStopStart,
		Args:   []string{"SIGTERM 5"},
	}}
	result, err := Dispatch(context.Background(), deps, req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"web"}, sp.startCalls)
}

func TestWaitForUptimeFailsWhenNotRunning(t *testing.T) {
	sp := &fakeSpawner{observed: map[string]model.ObservedState{"web": {Running: false}}}
	deps := Deps{Spawner: sp}
	req := &Request{Service: "web", Spec: &model.InternalSpec{Method: model.InternalWaitForUptime, Args: []string{"3"}}}
	result, err := Dispatch(context.Background(), deps, req)
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestWaitForUptimeSucceedsWhenAlreadyPastTarget(t *testing.T) {
	sp := &fakeSpawner{observed: map[string]model.ObservedState{"web": {Running: true, Uptime: 5}}}
	deps := Deps{Spawner: sp}
	req := &Request{Service: "web", Spec: &model.InternalSpec{Method: model.InternalWaitForUptime, Args: []string{"3"}}}
	result, err := Dispatch(context.Background(), deps, req)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

// pollingSpawner reports an Uptime that grows with real wall-clock
// time since it was created, so tests can exercise WaitForUptime's
// actual polling loop instead of a single snapshot check.
type pollingSpawner struct {
	start time.Time
}

func (p *pollingSpawner) Observed(service string) (model.ObservedState, bool) {
	return model.ObservedState{Running: true, Uptime: time.Since(p.start).Seconds()}, true
}
func (p *pollingSpawner) Start(ctx context.Context, service string) error { return nil }
func (p *pollingSpawner) SetArgv(ctx context.Context, service string, argv []string) error {
	return nil
}
func (p *pollingSpawner) WaitForRunning(ctx context.Context, service string) (model.ObservedState, error) {
	return model.ObservedState{}, nil
}
func (p *pollingSpawner) AwaitReap(service string, pid int) <-chan model.ExitInfo {
	return make(chan model.ExitInfo)
}
func (p *pollingSpawner) KillTarget(service string) killscript.Target { return nil }

func TestWaitForUptimeNotYetSucceededBeforeTargetElapses(t *testing.T) {
	sp := &pollingSpawner{start: time.Now()}
	deps := Deps{Spawner: sp}
	req := &Request{Service: "web", Spec: &model.InternalSpec{Method: model.InternalWaitForUptime, Args: []string{"1"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := Dispatch(ctx, deps, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForUptimeSucceedsOnceContinuouslyRunningLongEnough(t *testing.T) {
	sp := &pollingSpawner{start: time.Now()}
	deps := Deps{Spawner: sp}
	req := &Request{Service: "web", Spec: &model.InternalSpec{Method: model.InternalWaitForUptime, Args: []string{"0.2"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := Dispatch(ctx, deps, req)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestStopStartCheckRestartsThenConfirmsUptime(t *testing.T) {
	reaped := make(chan model.ExitInfo, 1)
	reaped <- model.ExitInfo{Reason: model.ExitReasonExit, Value: "0"}
	target := &fakeTarget{pid: 1, running: true, reaped: reaped}
	sp := &fakeSpawner{observed: map[string]model.ObservedState{"web": {Running: false}}, target: target}
	deps := Deps{Spawner: sp, KillRunner: killscript.NewRunner()}

	req := &Request{Service: "web", Spec: &model.InternalSpec{
		Method: model.InternalStopStartCheck,
		Args:   []string{"SIGTERM 5", "3"},
	}}
	result, err := Dispatch(context.Background(), deps, req)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"web"}, sp.startCalls)
}
