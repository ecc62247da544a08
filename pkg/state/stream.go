/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package state

import (
	"context"
	"sync"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

// InstanceChange is one entry of the instance update feed. Instance is nil
// when the tracker has forgotten the instance.
type InstanceChange struct {
	ID       core.InstanceID
	Instance *core.Instance
}

// Subscription is a live view of the tracker: a snapshot taken at subscribe
// time followed by every change published afterwards, with no gap in between.
// Per-instance changes are delivered in causal order.
type Subscription struct {
	Snapshot []*core.Instance
	C        <-chan InstanceChange
	cancel   context.CancelFunc
}

// Cancel detaches the subscription. It is safe to call more than once and has
// no side effects beyond releasing the feed.
func (s *Subscription) Cancel() { s.cancel() }

// feed decouples publishers from a single subscriber through an unbounded
// in-memory queue so a slow consumer can never stall the tracker, and no
// change is ever dropped.
type feed struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []InstanceChange
	closed  bool
	done    chan struct{}
	out     chan InstanceChange
}

func newFeed(ctx context.Context) *feed {
	f := &feed{out: make(chan InstanceChange), done: make(chan struct{})}
	f.cond = sync.NewCond(&f.mu)
	go f.run()
	go func() {
		<-ctx.Done()
		f.close()
	}()
	return f
}

func (f *feed) publish(change InstanceChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.pending = append(f.pending, change)
	f.cond.Signal()
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
	f.cond.Signal()
}

func (f *feed) run() {
	defer close(f.out)
	for {
		f.mu.Lock()
		for len(f.pending) == 0 && !f.closed {
			f.cond.Wait()
		}
		if f.closed {
			f.mu.Unlock()
			return
		}
		batch := f.pending
		f.pending = nil
		f.mu.Unlock()
		for _, change := range batch {
			select {
			case f.out <- change:
			case <-f.done:
				return
			}
		}
	}
}
