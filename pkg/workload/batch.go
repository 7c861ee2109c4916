package workload

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
)

// WorkerState is the lifecycle state of one worker inside a batch.
type WorkerState string

const (
	StateRunning WorkerState = "running"
	StateStopped WorkerState = "stopped"
	StateFailed  WorkerState = "failed"
)

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	Name       string      `json:"name"`
	State      WorkerState `json:"state"`
	Sent       uint64      `json:"sent"`
	LastSentAt *time.Time  `json:"last_sent_at,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
}

// Batch is one running instantiation of the configured worker set.
type Batch struct {
	cancel    context.CancelFunc
	pool      pond.Pool
	group     pond.TaskGroup
	workers   *xsync.Map[string, WorkerStatus]
	startedAt time.Time

	stopOnce sync.Once
	stopped  pond.Task
}

// Stop cancels every worker and returns without waiting. A send already in flight may still
// complete after Stop returns.
func (b *Batch) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.stopped = b.pool.Stop()
	})
	b.workers.Range(func(name string, _ WorkerStatus) bool {
		b.workers.Compute(name, func(old WorkerStatus, loaded bool) (WorkerStatus, xsync.ComputeOp) {
			if !loaded {
				return old, xsync.CancelOp
			}
			if old.State == StateRunning {
				old.State = StateStopped
			}
			return old, xsync.UpdateOp
		})
		return true
	})
}

// StopAndWait stops the batch and blocks until every worker loop has returned. The supervisor
// never calls it; shutdown paths and tests do.
func (b *Batch) StopAndWait() {
	b.Stop()
	_ = b.stopped.Wait()
}

// StartedAt is when the batch was started.
func (b *Batch) StartedAt() time.Time { return b.startedAt }

// Workers returns the status of every worker sorted by name.
func (b *Batch) Workers() []WorkerStatus {
	out := make([]WorkerStatus, 0, b.workers.Size())
	b.workers.Range(func(_ string, st WorkerStatus) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Running returns how many workers are still looping.
func (b *Batch) Running() int {
	n := 0
	b.workers.Range(func(_ string, st WorkerStatus) bool {
		if st.State == StateRunning {
			n++
		}
		return true
	})
	return n
}

func (b *Batch) sent(name string) {
	now := time.Now().UTC()
	b.workers.Compute(name, func(old WorkerStatus, loaded bool) (WorkerStatus, xsync.ComputeOp) {
		if !loaded {
			old = WorkerStatus{Name: name, State: StateRunning}
		}
		old.Sent++
		old.LastSentAt = &now
		return old, xsync.UpdateOp
	})
}

func (b *Batch) finish(name string, state WorkerState, err error) {
	b.workers.Compute(name, func(old WorkerStatus, loaded bool) (WorkerStatus, xsync.ComputeOp) {
		if !loaded {
			old = WorkerStatus{Name: name}
		}
		// a stopped batch never flips back to failed
		if old.State == StateStopped && state == StateFailed {
			return old, xsync.CancelOp
		}
		old.State = state
		if err != nil {
			old.LastError = err.Error()
		}
		return old, xsync.UpdateOp
	})
}
