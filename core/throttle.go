package core

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// throttle.go implements per-caller admission control: a queries-per-minute
// quota plus a concurrency semaphore, and node-wide upload/download
// bandwidth token buckets. Exceeding the bandwidth buckets blocks
// cooperatively (Wait); exceeding quota or concurrency rejects immediately
// with ResourceExhausted so the caller can back off.

// CallerLimiter enforces a QPM quota and a concurrency cap for one caller
// identity (a peer ID or an MCP client handle).
type CallerLimiter struct {
	qpm  *rate.Limiter
	sema chan struct{}
}

// NewCallerLimiter builds a limiter admitting up to qpm requests per minute
// and at most concurrency requests in flight at once.
func NewCallerLimiter(qpm int, concurrency int) *CallerLimiter {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &CallerLimiter{
		qpm:  rate.NewLimiter(rate.Limit(float64(qpm)/60.0), qpm),
		sema: make(chan struct{}, concurrency),
	}
}

// Admit attempts to admit one request. It returns a release func to call
// when the request completes, or a ResourceExhausted error if the quota or
// concurrency cap was exceeded.
func (c *CallerLimiter) Admit() (release func(), err error) {
	if !c.qpm.Allow() {
		return nil, NewError(ResourceExhausted, "throttle.admit", errQuotaExceeded)
	}
	select {
	case c.sema <- struct{}{}:
		return func() { <-c.sema }, nil
	default:
		return nil, NewError(ResourceExhausted, "throttle.admit", errConcurrencyExceeded)
	}
}

var (
	errQuotaExceeded       = errQuota{}
	errConcurrencyExceeded = errConcurrency{}
)

type errQuota struct{}

func (errQuota) Error() string { return "per-minute quota exceeded" }

type errConcurrency struct{}

func (errConcurrency) Error() string { return "concurrency cap exceeded" }

// LoadGuard multiplexes per-caller limiters plus shared upload/download
// bandwidth token buckets for the whole node.
type LoadGuard struct {
	mu       sync.Mutex
	callers  map[string]*CallerLimiter
	qpm      int
	concur   int
	upload   *rate.Limiter
	download *rate.Limiter
}

// NewLoadGuard builds a guard with the given per-caller QPM/concurrency
// defaults and node-wide upload/download rates, in bits per second.
func NewLoadGuard(qpm, concurrency int, uploadBps, downloadBps int64) *LoadGuard {
	return &LoadGuard{
		callers:  make(map[string]*CallerLimiter),
		qpm:      qpm,
		concur:   concurrency,
		upload:   rate.NewLimiter(rate.Limit(uploadBps), int(uploadBps)),
		download: rate.NewLimiter(rate.Limit(downloadBps), int(downloadBps)),
	}
}

func (lg *LoadGuard) limiterFor(caller string) *CallerLimiter {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	cl, ok := lg.callers[caller]
	if !ok {
		cl = NewCallerLimiter(lg.qpm, lg.concur)
		lg.callers[caller] = cl
	}
	return cl
}

// Admit admits one request for caller, returning a release func.
func (lg *LoadGuard) Admit(caller string) (func(), error) {
	return lg.limiterFor(caller).Admit()
}

// WaitUpload blocks cooperatively until n bytes of upload bandwidth are
// available, or ctx is done.
func (lg *LoadGuard) WaitUpload(ctx context.Context, n int) error {
	if err := lg.upload.WaitN(ctx, n*8); err != nil {
		return NewError(ResourceExhausted, "throttle.upload", err)
	}
	return nil
}

// WaitDownload blocks cooperatively until n bytes of download bandwidth are
// available, or ctx is done.
func (lg *LoadGuard) WaitDownload(ctx context.Context, n int) error {
	if err := lg.download.WaitN(ctx, n*8); err != nil {
		return NewError(ResourceExhausted, "throttle.download", err)
	}
	return nil
}

// Reset drops per-caller state, primarily for tests.
func (lg *LoadGuard) Reset() {
	lg.mu.Lock()
	lg.callers = make(map[string]*CallerLimiter)
	lg.mu.Unlock()
}
