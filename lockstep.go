package a2abus

import (
	"fmt"
	"sync"
)

// Lockstep enforces a strict two-step alternation on a socket: a replier must
// recv then send, a requester must send then recv, forever. Adapters embed it
// so every backend rejects out-of-turn calls the same way.
//
// Only one operation may be in flight. A failed operation does not advance the
// turn, so the caller may retry it.
type Lockstep struct {
	mu   sync.Mutex
	ops  [2]string
	next int
	busy bool
}

// NewReplyLockstep returns the recv-then-send guard used by serving sockets.
func NewReplyLockstep() *Lockstep { return &Lockstep{ops: [2]string{"recv", "send"}} }

// NewRequestLockstep returns the send-then-recv guard used by client sockets.
func NewRequestLockstep() *Lockstep { return &Lockstep{ops: [2]string{"send", "recv"}} }

// Begin claims the turn for op.
func (l *Lockstep) Begin(op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy {
		return fmt.Errorf("%w: %s while another operation is in flight", ErrProtocolViolation, op)
	}
	if l.ops[l.next] != op {
		return fmt.Errorf("%w: %s out of turn, expected %s", ErrProtocolViolation, op, l.ops[l.next])
	}
	l.busy = true
	return nil
}

// End releases the turn claimed by Begin. The turn advances only when err is nil.
func (l *Lockstep) End(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.busy = false
	if err == nil {
		l.next = (l.next + 1) % len(l.ops)
	}
}

// Expect reports the operation allowed next.
func (l *Lockstep) Expect() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ops[l.next]
}
