// Package bridge connects the stepper to whatever owns agent positions in the environment
// (a rendering frontend, a file exchange, or an in-process echo).
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"townsim.ai/internal/protocol"
	"townsim.ai/internal/sim/tiles"
)

// ErrTimeout is returned by Await when no environment update arrived within the timeout.
var ErrTimeout = errors.New("bridge timeout")

// Positions maps agent id to tile.
type Positions map[string]tiles.Coord

func (p Positions) Clone() Positions {
	out := make(Positions, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Positions) Environment() protocol.Environment {
	out := make(protocol.Environment, len(p))
	for k, v := range p {
		out[k] = v.Array()
	}
	return out
}

func FromEnvironment(env protocol.Environment) Positions {
	out := make(Positions, len(env))
	for k, v := range env {
		out[k] = tiles.FromArray(v)
	}
	return out
}

// IDs returns the agent ids in sorted order.
func (p Positions) IDs() []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Request is what the controller hands the bridge each poll. Positions is the controller's
// own record of where every agent was last sent; the bridge must not keep it.
type Request struct {
	SimID     string
	Step      uint64
	Time      time.Time
	Positions Positions
}

// Bridge reports the environment's positions for req.Step. ok=false means the update is not
// available yet and the caller should poll again.
type Bridge interface {
	Exchange(ctx context.Context, req Request) (pos Positions, ok bool, err error)
}

// Notifier is implemented by bridges that can signal when a new update may be ready.
type Notifier interface {
	Ready() <-chan struct{}
}

// Publisher is implemented by bridges that push each movement batch to the environment.
type Publisher interface {
	Publish(ctx context.Context, step uint64, batch protocol.MovementBatch) error
}

type WaitOptions struct {
	IdleDelay time.Duration
	MaxDelay  time.Duration
	// Timeout of zero waits until ctx is cancelled.
	Timeout time.Duration
}

func (o WaitOptions) normalized() WaitOptions {
	if o.IdleDelay <= 0 {
		o.IdleDelay = 10 * time.Millisecond
	}
	if o.MaxDelay < o.IdleDelay {
		o.MaxDelay = o.IdleDelay
	}
	return o
}

// Await polls b until it reports an update, ctx is done, or the timeout passes. The delay
// between polls doubles from IdleDelay up to MaxDelay; a Notifier wakes it early.
// It returns the number of polls made.
func Await(ctx context.Context, b Bridge, req Request, opts WaitOptions) (Positions, int, error) {
	opts = opts.normalized()

	var ready <-chan struct{}
	if n, ok := b.(Notifier); ok {
		ready = n.Ready()
	}
	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		deadline = t.C
	}

	delay := opts.IdleDelay
	polls := 0
	for {
		pos, ok, err := b.Exchange(ctx, req)
		polls++
		if err != nil {
			return nil, polls, err
		}
		if ok {
			return pos, polls, nil
		}

		wait := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			wait.Stop()
			return nil, polls, ctx.Err()
		case <-deadline:
			wait.Stop()
			return nil, polls, fmt.Errorf("%w: no environment for step %d after %s", ErrTimeout, req.Step, opts.Timeout)
		case <-ready:
			wait.Stop()
		case <-wait.C:
		}
		delay *= 2
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}
