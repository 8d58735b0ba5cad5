// Package nonce issues strictly increasing authentication nonces shared by
// every account hitting the same exchange family.
package nonce

import (
	"sync/atomic"
	"time"
)

// Authority hands out globally monotonic nonces. Safe for any number of
// concurrent callers; values never repeat or decrease for the life of the
// process. The wall clock at nanosecond resolution seeds each value; under
// burst concurrency, where two reads would collide, the CAS loop degrades to
// counter mode (prev+1) so strict ordering still holds.
type Authority struct {
	last   atomic.Uint64
	issued atomic.Uint64
	now    func() uint64
}

// New creates an Authority backed by the system clock.
func New() *Authority {
	return &Authority{
		now: func() uint64 { return uint64(time.Now().UnixNano()) },
	}
}

// NewWithClock creates an Authority with an injected clock source. Used in
// tests to force counter-mode behavior.
func NewWithClock(now func() uint64) *Authority {
	return &Authority{now: now}
}

// Next returns a nonce strictly greater than every previously returned one.
func (a *Authority) Next() uint64 {
	for {
		prev := a.last.Load()
		next := a.now()
		if next <= prev {
			next = prev + 1
		}
		if a.last.CompareAndSwap(prev, next) {
			a.issued.Add(1)
			return next
		}
	}
}

// Issued reports how many nonces have been handed out, for status reporting.
func (a *Authority) Issued() uint64 {
	return a.issued.Load()
}
