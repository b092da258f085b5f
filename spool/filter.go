package spool

import (
	"sync"
	"time"
)

// AcceptFilter decides which candidates an Accept call may hand out.
//
// WaitTime is asked after a scan that found nothing eligible. It returns
// how long the queue may sleep before rescanning, based on the candidates
// rejected since the previous call, and resets that bookkeeping. Zero or a
// negative value means "until woken or the poll interval elapses".
type AcceptFilter interface {
	Accept(c Candidate) bool
	WaitTime() time.Duration
}

// AcceptAll accepts every candidate.
var AcceptAll AcceptFilter = acceptAll{}

type acceptAll struct{}

func (acceptAll) Accept(Candidate) bool   { return true }
func (acceptAll) WaitTime() time.Duration { return 0 }

// DelayFilter implements retry backoff: a candidate carrying an error
// message becomes eligible only once LastUpdated + RetryCount*Delay has
// passed. Candidates without an error message are always eligible.
type DelayFilter struct {
	Delay time.Duration

	// Now is used instead of time.Now when set.
	Now func() time.Time

	mu      sync.Mutex
	minWait time.Duration
}

func NewDelayFilter(delay time.Duration) *DelayFilter {
	return &DelayFilter{Delay: delay}
}

func (f *DelayFilter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// EligibleAt returns the earliest time c may be accepted.
func (f *DelayFilter) EligibleAt(c Candidate) time.Time {
	if c.ErrorMessage == "" || c.RetryCount <= 0 {
		return c.LastUpdated
	}
	return c.LastUpdated.Add(time.Duration(c.RetryCount) * f.Delay)
}

func (f *DelayFilter) Accept(c Candidate) bool {
	if c.ErrorMessage == "" {
		return true
	}
	remaining := f.EligibleAt(c).Sub(f.now())
	if remaining <= 0 {
		return true
	}

	f.mu.Lock()
	if f.minWait == 0 || remaining < f.minWait {
		f.minWait = remaining
	}
	f.mu.Unlock()
	return false
}

func (f *DelayFilter) WaitTime() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	wait := f.minWait
	f.minWait = 0
	return wait
}

// FilterFunc adapts a predicate into an AcceptFilter whose wait time is
// always left to the queue's poll interval.
type FilterFunc func(c Candidate) bool

func (fn FilterFunc) Accept(c Candidate) bool { return fn(c) }
func (FilterFunc) WaitTime() time.Duration    { return 0 }

// AllOf accepts a candidate only when every filter does. The wait time is
// the shortest positive wait reported by any of them.
func AllOf(filters ...AcceptFilter) AcceptFilter {
	return allOf(filters)
}

type allOf []AcceptFilter

func (a allOf) Accept(c Candidate) bool {
	for _, f := range a {
		if !f.Accept(c) {
			return false
		}
	}
	return true
}

func (a allOf) WaitTime() time.Duration {
	var wait time.Duration
	for _, f := range a {
		if w := f.WaitTime(); w > 0 && (wait == 0 || w < wait) {
			wait = w
		}
	}
	return wait
}
