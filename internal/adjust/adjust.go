// Package adjust implements the adjustment request/response protocol
// between running subagent workers and the main loop: a correlation
// table from task id to a single pending waiter, resolved exactly once
// by feedback delivery or timeout expiry.
package adjust

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicateRequest is returned when a request is issued for a task
// that already has one pending. At most one outstanding adjustment is
// allowed per task.
var ErrDuplicateRequest = errors.New("adjustment request already pending")

// Channel correlates in-flight adjustment requests with waiting workers.
type Channel struct {
	requests chan request
	resolves chan resolution
	cancels  chan string
	queries  chan query
}

type request struct {
	taskID string
	reply  chan requestReply
}

type requestReply struct {
	waiter chan string
	err    error
}

type resolution struct {
	taskID   string
	feedback string
	reply    chan bool
}

type query struct {
	taskID string
	reply  chan bool
}

// NewChannel creates an adjustment channel and starts its owning goroutine.
// The goroutine serializes all table access, so resolution and expiry are
// mutually exclusive by construction.
func NewChannel() *Channel {
	c := &Channel{
		requests: make(chan request),
		resolves: make(chan resolution),
		cancels:  make(chan string),
		queries:  make(chan query),
	}
	go c.loop()
	return c
}

func (c *Channel) loop() {
	pending := make(map[string]chan string)
	for {
		select {
		case req := <-c.requests:
			if _, ok := pending[req.taskID]; ok {
				req.reply <- requestReply{err: fmt.Errorf("%w: task %s", ErrDuplicateRequest, req.taskID)}
				continue
			}
			waiter := make(chan string, 1)
			pending[req.taskID] = waiter
			req.reply <- requestReply{waiter: waiter}

		case res := <-c.resolves:
			waiter, ok := pending[res.taskID]
			if ok {
				delete(pending, res.taskID)
				waiter <- res.feedback
			}
			res.reply <- ok

		case taskID := <-c.cancels:
			delete(pending, taskID)

		case q := <-c.queries:
			_, ok := pending[q.taskID]
			q.reply <- ok
		}
	}
}

// Pending is the waiter side of one adjustment request.
type Pending struct {
	taskID string
	waiter chan string
	c      *Channel
}

// Request registers a pending waiter for taskID. It fails with
// ErrDuplicateRequest if one is already outstanding.
func (c *Channel) Request(taskID string) (*Pending, error) {
	reply := make(chan requestReply)
	c.requests <- request{taskID: taskID, reply: reply}
	r := <-reply
	if r.err != nil {
		return nil, r.err
	}
	return &Pending{taskID: taskID, waiter: r.waiter, c: c}, nil
}

// Resolve delivers feedback to the waiter for taskID. It reports false
// when no request is pending; request and resolution are allowed to race,
// so a miss is a no-op for the caller to log, not an error.
func (c *Channel) Resolve(taskID, feedback string) bool {
	reply := make(chan bool)
	c.resolves <- resolution{taskID: taskID, feedback: feedback, reply: reply}
	return <-reply
}

// HasPending reports whether a request is outstanding for taskID.
func (c *Channel) HasPending(taskID string) bool {
	reply := make(chan bool)
	c.queries <- query{taskID: taskID, reply: reply}
	return <-reply
}

// Await blocks until the request is resolved, the timeout expires, or ctx
// is cancelled. Expiry removes the pending entry and reports ok=false:
// "no adjustment", the expected common case when nobody intervenes.
func (p *Pending) Await(ctx context.Context, timeout time.Duration) (feedback string, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case fb := <-p.waiter:
		return fb, true
	case <-timer.C:
	case <-ctx.Done():
	}

	// Expired or cancelled. Remove the entry, then drain a resolution
	// that may have been delivered just before removal so it is not lost.
	return p.Release()
}

// Release removes the pending entry without waiting. A resolution that
// raced ahead of the removal is still returned. Callers that registered a
// request but will not Await it must Release, or the entry stays pending
// forever.
func (p *Pending) Release() (feedback string, ok bool) {
	p.c.cancels <- p.taskID
	select {
	case fb := <-p.waiter:
		return fb, true
	default:
		return "", false
	}
}
