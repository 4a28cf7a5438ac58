// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"sync"
)

// admission enforces per-playbook concurrent-execution limits. Executions
// over the limit wait in FIFO order for a running one to finish.
type admission struct {
	mu    sync.Mutex
	slots map[string]*playbookSlots
}

type playbookSlots struct {
	running int
	waiters []chan struct{}
}

func newAdmission() *admission {
	return &admission{slots: make(map[string]*playbookSlots)}
}

// acquire blocks until the execution may run under the playbook's
// max_concurrent_executions limit, or until ctx is cancelled. It reports
// whether the execution was queued before being admitted.
func (a *admission) acquire(ctx context.Context, playbookID string, max int) (queued bool, err error) {
	if max <= 0 {
		max = 1
	}

	a.mu.Lock()
	s := a.slots[playbookID]
	if s == nil {
		s = &playbookSlots{}
		a.slots[playbookID] = s
	}
	if s.running < max && len(s.waiters) == 0 {
		s.running++
		a.mu.Unlock()
		return false, nil
	}
	ready := make(chan struct{})
	s.waiters = append(s.waiters, ready)
	a.mu.Unlock()

	select {
	case <-ready:
		return true, nil
	case <-ctx.Done():
		a.mu.Lock()
		removed := false
		for i, w := range s.waiters {
			if w == ready {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				removed = true
				break
			}
		}
		a.mu.Unlock()
		if !removed {
			// the slot was already handed to us; give it back
			a.release(playbookID)
		}
		return true, ctx.Err()
	}
}

// release frees one slot, handing it to the oldest waiter if any.
func (a *admission) release(playbookID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slots[playbookID]
	if s == nil {
		return
	}
	if len(s.waiters) > 0 {
		ready := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(ready)
		return
	}
	s.running--
	if s.running <= 0 {
		delete(a.slots, playbookID)
	}
}
