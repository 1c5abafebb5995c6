// Package blocking provides the bounded blocking pool spec.md §5 and §9
// require for disk-size walks, archive compression/extraction, and sha256
// hashing — CPU/IO-heavy synchronous work that must never run inline on a
// path a caller expects to return quickly. Grounded on the
// officialpriyam-Propel-Wings manifest's direct dependency on
// github.com/gammazero/workerpool, the conventional Go "blocking pool"
// building block for exactly this job.
package blocking

import (
	"github.com/gammazero/workerpool"
)

// Pool wraps a worker pool sized for synchronous, non-cancellable work units
// (spec.md §5: "must complete or be aborted by process exit").
type Pool struct {
	wp *workerpool.WorkerPool
}

// New creates a pool with the given number of workers.
func New(workers int) *Pool {
	return &Pool{wp: workerpool.New(workers)}
}

// Submit queues fn to run on the pool; it does not block the caller.
func (p *Pool) Submit(fn func()) {
	p.wp.Submit(fn)
}

// SubmitWait queues fn and blocks the caller until it completes.
func (p *Pool) SubmitWait(fn func()) {
	p.wp.SubmitWait(fn)
}

// Stop waits for queued work to finish and shuts the pool down.
func (p *Pool) Stop() {
	p.wp.StopWait()
}
