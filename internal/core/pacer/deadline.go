// Package pacer keeps a periodic loop anchored to its original cadence.
//
// A Deadline is advanced by exactly one period per iteration instead of being
// recomputed from the current time, so time spent inside an iteration shortens
// the next sleep rather than shifting every later tick.
package pacer

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

type Deadline struct {
	clk    clock.Clock
	period time.Duration
	next   time.Time
}

// NewDeadline returns a deadline one period from now.
func NewDeadline(clk clock.Clock, period time.Duration) *Deadline {
	if clk == nil {
		clk = clock.New()
	}
	return &Deadline{clk: clk, period: period, next: clk.Now().Add(period)}
}

// Until returns a one-shot deadline at now+d that never advances.
func Until(clk clock.Clock, d time.Duration) *Deadline {
	if clk == nil {
		clk = clock.New()
	}
	return &Deadline{clk: clk, next: clk.Now().Add(d)}
}

func (d *Deadline) Next() time.Time          { return d.next }
func (d *Deadline) Period() time.Duration    { return d.period }
func (d *Deadline) Clock() clock.Clock       { return d.clk }
func (d *Deadline) Remaining() time.Duration { return d.next.Sub(d.clk.Now()) }

// Reached reports whether the deadline is due.
func (d *Deadline) Reached() bool {
	return !d.clk.Now().Before(d.next)
}

// Late returns how far past the deadline the clock is, or zero before it.
func (d *Deadline) Late() time.Duration {
	if late := d.clk.Now().Sub(d.next); late > 0 {
		return late
	}
	return 0
}

// Wait blocks until the deadline or until ctx is done. It returns
// immediately when the deadline has already passed.
func (d *Deadline) Wait(ctx context.Context) error {
	remaining := d.Remaining()
	if remaining <= 0 {
		return ctx.Err()
	}
	t := d.clk.Timer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer returns a timer firing at the deadline. The channel of an already
// due deadline is ready immediately.
func (d *Deadline) Timer() *clock.Timer {
	remaining := d.Remaining()
	if remaining < 0 {
		remaining = 0
	}
	return d.clk.Timer(remaining)
}

// Advance moves the deadline forward by one period and returns it.
func (d *Deadline) Advance() time.Time {
	d.next = d.next.Add(d.period)
	return d.next
}
