// Package ack matches asynchronous acknowledgements and replies to the
// requests that asked for them, with per-request deadlines.
package ack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/protocol"
)

// DefaultTimeout bounds the wait for a command.ack.
const DefaultTimeout = 4500 * time.Millisecond

// RejectedError is returned when the device acknowledged with a status other
// than ok.
type RejectedError struct {
	Code    string
	Detail  string
	Payload protocol.Map
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *RejectedError) Unwrap() error { return errors.ErrCommandRejected }

// NewRejectedError builds the error from errorCode/errorDetail, defaulting to
// "ACK_FAILED: command rejected".
func NewRejectedError(payload protocol.Map) *RejectedError {
	code := protocol.String(payload, "errorCode")
	if code == "" {
		code = "ACK_FAILED"
	}
	detail := protocol.String(payload, "errorDetail")
	if detail == "" {
		detail = "command rejected"
	}
	return &RejectedError{Code: code, Detail: detail, Payload: payload}
}

// ClosedError fails requests pending on a connection that went away.
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string { return e.Reason }

func (e *ClosedError) Unwrap() error { return errors.ErrDisconnected }

// AckID returns the message id an ack payload refers to.
func AckID(payload protocol.Map) string {
	if id := protocol.String(payload, "ackForMsgId"); id != "" {
		return id
	}
	return protocol.String(payload, "ackForId")
}

// Correlator tracks outstanding acknowledgements keyed by message id.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*Pending)}
}

// Pending is one outstanding acknowledgement. It settles exactly once.
type Pending struct {
	id    string
	owner *Correlator
	timer *time.Timer
	once  sync.Once
	done  chan struct{}

	payload protocol.Map
	err     error
}

// Await registers id and starts its deadline. A non-positive timeout uses
// DefaultTimeout. Registering an id that is already pending supersedes the
// earlier registration.
func (c *Correlator) Await(id string, timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &Pending{id: id, owner: c, done: make(chan struct{})}

	c.mu.Lock()
	prev := c.pending[id]
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() { c.settle(p, nil, errors.ErrAckTimeout) })
	c.mu.Unlock()

	if prev != nil {
		prev.finish(nil, &ClosedError{Reason: "superseded by a newer request"})
	}
	return p
}

// Resolve settles the entry named by payload.ackForMsgId. Unknown or already
// settled ids are ignored and report false.
func (c *Correlator) Resolve(payload protocol.Map) bool {
	id := AckID(payload)
	if id == "" {
		return false
	}

	c.mu.Lock()
	p, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return false
	}

	if protocol.String(payload, "status") == protocol.StatusOK {
		return c.settle(p, payload, nil)
	}
	return c.settle(p, nil, NewRejectedError(payload))
}

// Forget drops id after its request could not be sent. A caller still
// waiting on it sees a ClosedError.
func (c *Correlator) Forget(id string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.finish(nil, &ClosedError{Reason: "request abandoned"})
	}
}

// FailAll rejects every pending entry with reason and clears the table.
func (c *Correlator) FailAll(reason string) {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*Pending)
	c.mu.Unlock()

	for _, p := range all {
		p.finish(nil, &ClosedError{Reason: reason})
	}
}

// Len returns the number of outstanding entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) settle(p *Pending, payload protocol.Map, err error) bool {
	c.mu.Lock()
	current, ok := c.pending[p.id]
	if ok && current == p {
		delete(c.pending, p.id)
	}
	c.mu.Unlock()

	if !ok || current != p {
		return false
	}
	return p.finish(payload, err)
}

func (p *Pending) finish(payload protocol.Map, err error) bool {
	settled := false
	p.once.Do(func() {
		p.timer.Stop()
		p.payload = payload
		p.err = err
		close(p.done)
		settled = true
	})
	return settled
}

// ID returns the awaited message id.
func (p *Pending) ID() string { return p.id }

// Done is closed once the entry settles.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the entry settles or ctx ends. Cancelling ctx drops the
// registration.
func (p *Pending) Wait(ctx context.Context) (protocol.Map, error) {
	select {
	case <-p.done:
		return p.payload, p.err
	case <-ctx.Done():
		p.owner.settle(p, nil, ctx.Err())
		p.finish(nil, ctx.Err())
		<-p.done
		return p.payload, p.err
	}
}
