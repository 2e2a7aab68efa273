package rest

import (
	"sync"
	"sync/atomic"

	"github.com/quotewire/quotewire/internal/errs"
)

// ConnLimiter bounds concurrently handled requests. Each admitted request
// holds one slot until its Release, which is safe to call more than once;
// only the first call returns the slot.
type ConnLimiter struct {
	slots    chan struct{}
	rejected atomic.Int64
}

// NewConnLimiter creates a limiter admitting at most max requests at once.
func NewConnLimiter(max int) *ConnLimiter {
	if max <= 0 {
		max = 100
	}
	return &ConnLimiter{slots: make(chan struct{}, max)}
}

// Slot is one held connection slot.
type Slot struct {
	release sync.Once
	l       *ConnLimiter
}

// Acquire takes a slot or fails immediately with a rate-limited error.
// Admission never queues: a full service answers fast.
func (l *ConnLimiter) Acquire() (*Slot, error) {
	select {
	case l.slots <- struct{}{}:
		return &Slot{l: l}, nil
	default:
		l.rejected.Add(1)
		return nil, errs.New("rest.limiter", errs.KindRateLimited,
			errs.WithMessage("connection limit reached"))
	}
}

// Release returns the slot. Exactly one release happens regardless of how
// many times it is called or from which path (success, error, panic unwind).
func (s *Slot) Release() {
	s.release.Do(func() { <-s.l.slots })
}

// InUse reports currently held slots.
func (l *ConnLimiter) InUse() int { return len(l.slots) }

// Rejected reports requests turned away at admission.
func (l *ConnLimiter) Rejected() int64 { return l.rejected.Load() }
