// SPDX-License-Identifier: GPL-3.0-or-later

package spawner

import (
	"context"

	"github.com/nrdvana/desd/killscript"
	"github.com/nrdvana/desd/model"
)

// Statedump asks the spawner to emit its full state, followed by an
// echo so the caller can tell when the dump is complete.
func (c *Client) Statedump(ctx context.Context) error {
	if _, err := c.ep.SendMsg(ctx, "statedump"); err != nil {
		return err
	}
	_, err := c.ep.SendMsg(ctx, "echo", "statedump_complete")
	return err
}

// SetArgv sends the resolved argv for service.
func (c *Client) SetArgv(ctx context.Context, service string, argv []string) error {
	fields := append([]string{"service.args", service}, argv...)
	_, err := c.ep.SendMsg(ctx, fields...)
	return err
}

// SetHandles sends the ordered handle-name list for service's default io.
func (c *Client) SetHandles(ctx context.Context, service string, handles []string) error {
	fields := append([]string{"service.fds", service}, handles...)
	_, err := c.ep.SendMsg(ctx, fields...)
	return err
}

// SetAutoUp sets or clears the "auto up" flag for service within scope.
func (c *Client) SetAutoUp(ctx context.Context, service string, autoUp bool, scope string) error {
	flag := "0"
	if autoUp {
		flag = "1"
	}
	_, err := c.ep.SendMsg(ctx, "service.auto_up", service, flag, scope)
	return err
}

// Start asks the spawner to start service.
func (c *Client) Start(ctx context.Context, service string) error {
	_, err := c.ep.SendMsg(ctx, "service.start", service)
	return err
}

// Signal asks the spawner to deliver sig to service's current PID.
func (c *Client) Signal(ctx context.Context, service, sig string) error {
	_, err := c.ep.SendMsg(ctx, "service.signal", service, sig)
	return err
}

// Delete asks the spawner to remove service's entry.
func (c *Client) Delete(ctx context.Context, service string) error {
	_, err := c.ep.SendMsg(ctx, "service.delete", service)
	return err
}

// Tag sets an opaque key/value tag on service (used to carry the
// "want" goal tag the reconciler keeps in sync with model.Goal).
func (c *Client) Tag(ctx context.Context, service, key, value string) error {
	_, err := c.ep.SendMsg(ctx, "service.tag", service, key, value)
	return err
}

// SetWant sets the spawner-side "want" tag to match goal.
func (c *Client) SetWant(ctx context.Context, service string, goal model.Goal) error {
	return c.Tag(ctx, service, "want", string(goal))
}

// killscriptTarget adapts a [*Client] into a [killscript.Target] for
// one service invocation, bridging the spawner's event-driven mirror
// to the kill-script runner's synchronous wait primitive.
type killscriptTarget struct {
	c       *Client
	service string
}

var _ killscript.Target = (*killscriptTarget)(nil)

// KillTarget returns a [killscript.Target] bound to service.
func (c *Client) KillTarget(service string) killscript.Target {
	return &killscriptTarget{c: c, service: service}
}

func (t *killscriptTarget) Snapshot() (pid int, running bool) {
	st, ok := t.c.Observed(t.service)
	if !ok {
		return 0, false
	}
	return st.PID, st.Running
}

func (t *killscriptTarget) Signal(ctx context.Context, sig string) error {
	return t.c.Signal(ctx, t.service, sig)
}

func (t *killscriptTarget) Reaped(pid int) <-chan model.ExitInfo {
	return t.c.AwaitReap(t.service, pid)
}
