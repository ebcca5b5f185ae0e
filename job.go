package codelink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Job is a single-settlement promise for a result that arrives later, such
// as the client's reply to a server-initiated request. A Job settles exactly
// once: the first Resolve or Reject wins and every later call is a no-op, so
// racing writers can never change a settled value.
type Job struct {
	done chan struct{}

	mu      sync.Mutex
	settled bool
	result  json.RawMessage
	err     error
}

// NewJob returns an unsettled Job.
func NewJob() *Job {
	return &Job{done: make(chan struct{})}
}

// Resolve settles the job with a result. It does nothing if the job is
// already settled.
func (j *Job) Resolve(result json.RawMessage) {
	j.settle(result, nil)
}

// Reject settles the job with an error. It does nothing if the job is
// already settled. A nil error is normalized so a rejected job always
// carries one.
func (j *Job) Reject(err error) {
	if err == nil {
		err = errors.New("job rejected")
	}
	j.settle(nil, err)
}

// Done returns a channel that is closed once the job settles.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Settled reports whether the job has been resolved or rejected.
func (j *Job) Settled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.settled
}

// Result returns the settled value. It must only be called after Done is
// closed; before settlement it returns nil, nil.
func (j *Job) Result() (json.RawMessage, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

// Await blocks until the job settles or the context is done. Abandoning the
// wait does not settle the job.
func (j *Job) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-j.done:
		return j.Result()
	}
}

func (j *Job) settle(result json.RawMessage, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.settled {
		return
	}
	j.settled = true
	j.result = result
	j.err = err
	close(j.done)
}
