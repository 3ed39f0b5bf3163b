// Package batch implements the batch coordinator: it coalesces concurrent
// step requests into one drain per short time window instead of scheduling
// a separate task per request immediately.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/dockyard/dockyard/internal/apierr"
	"github.com/dockyard/dockyard/internal/proto"
	"github.com/dockyard/dockyard/internal/session"
)

// Stepper is the subset of the session manager the coordinator needs: send
// one step and apply its resulting state transition.
type Stepper interface {
	Step(ctx context.Context, sess *session.Session, action string) (*proto.Response, error)
}

// Outcome is what a submitted step eventually resolves to.
type Outcome struct {
	Response *proto.Response
	Err      error
}

type pendingRequest struct {
	session *session.Session
	action  string
	result  chan Outcome
}

// Coordinator accepts step requests and drains them after a short window,
// bounding concurrent container I/O by the fan-out of requests that arrive
// within that window rather than per-container batching.
type Coordinator struct {
	stepper Stepper
	window  time.Duration

	mu         sync.Mutex
	pending    []pendingRequest
	drainArmed bool
	drainTimer *time.Timer
}

// NewCoordinator constructs a Coordinator that drains every window against
// stepper.
func NewCoordinator(stepper Stepper, window time.Duration) *Coordinator {
	return &Coordinator{stepper: stepper, window: window}
}

// SubmitStep enqueues one step request and blocks until its drain runs.
// The batch window never delays the only outstanding request longer than
// the configured window.
func (c *Coordinator) SubmitStep(ctx context.Context, sess *session.Session, action string) (*proto.Response, error) {
	if sess.IsDone() {
		return nil, apierr.Wrap(apierr.ErrSessionAlreadyDone, sess.ID)
	}

	result := make(chan Outcome, 1)

	c.mu.Lock()
	c.pending = append(c.pending, pendingRequest{session: sess, action: action, result: result})
	if !c.drainArmed {
		c.drainArmed = true
		c.drainTimer = time.AfterFunc(c.window, c.drain)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-result:
		return out.Response, out.Err
	}
}

// drain fires once per non-empty window: snapshot and clear the pending
// list under the lock, then dispatch across sessions concurrently. Within a
// single drain, the order in which different sessions' results resolve is
// unspecified — but requests queued against the *same* session within the
// window are dispatched one at a time, in submission order, by a single
// goroutine per session (I3/P2): launching one goroutine per request and
// letting them race for the session's serial guard would only guarantee
// mutual exclusion, not that an earlier-submitted step reaches the worker
// before a later one.
func (c *Coordinator) drain() {
	c.mu.Lock()
	requests := c.pending
	c.pending = nil
	c.drainArmed = false
	c.mu.Unlock()

	if len(requests) == 0 {
		return
	}

	bySession := make(map[*session.Session][]pendingRequest, len(requests))
	var order []*session.Session
	for _, req := range requests {
		if _, seen := bySession[req.session]; !seen {
			order = append(order, req.session)
		}
		bySession[req.session] = append(bySession[req.session], req)
	}

	var wg sync.WaitGroup
	wg.Add(len(order))
	for _, sess := range order {
		go func(reqs []pendingRequest) {
			defer wg.Done()
			for _, req := range reqs {
				if req.session.IsDone() {
					req.result <- Outcome{Err: apierr.Wrap(apierr.ErrSessionAlreadyDone, req.session.ID)}
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), stepDeadline)
				resp, err := c.stepper.Step(ctx, req.session, req.action)
				cancel()
				req.result <- Outcome{Response: resp, Err: err}
			}
		}(bySession[sess])
	}
	wg.Wait()
}

// stepDeadline bounds how long a single drained step may run before the
// coordinator gives up on it; actual command timing is governed by the
// session manager's command_timeout_s, this is only a defensive outer
// bound so a wedged drain goroutine can't leak forever.
const stepDeadline = 5 * time.Minute
