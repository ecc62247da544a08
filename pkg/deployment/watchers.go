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

package deployment

import (
	"context"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/state"
)

// Watcher signals completion of a kill wave through Done. Construct it before
// issuing the goal changes that trigger termination; the subscription's
// snapshot-first delivery guarantees no event can be missed in between.
type Watcher struct {
	done chan struct{}
}

// Done is closed once every expected instance has met the watcher's condition.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// WatchForKilledInstances completes once every expected instance is observed
// in a terminal condition or has disappeared from the tracker. Cancelling ctx
// detaches the subscription without side effects.
func WatchForKilledInstances(ctx context.Context, sub *state.Subscription, expected []*core.Instance) *Watcher {
	ids := lo.Map(expected, func(i *core.Instance, _ int) core.InstanceID { return i.ID })
	return watch(ctx, sub, ids, func(instance *core.Instance) bool {
		return instance == nil || instance.Condition.IsTerminal()
	})
}

// WatchForDecommissionedInstances completes once every id is either absent
// from the tracker or decommissioned and terminal.
func WatchForDecommissionedInstances(ctx context.Context, sub *state.Subscription, expected []core.InstanceID) *Watcher {
	return watch(ctx, sub, expected, func(instance *core.Instance) bool {
		return instance == nil || (instance.Goal == core.GoalDecommissioned && instance.Condition.IsTerminal())
	})
}

func watch(ctx context.Context, sub *state.Subscription, expected []core.InstanceID, settled func(*core.Instance) bool) *Watcher {
	w := &Watcher{done: make(chan struct{})}
	pending := sets.New(expected...)

	// The snapshot is authoritative for instances with no later change: absent
	// means already gone.
	byID := lo.KeyBy(sub.Snapshot, func(i *core.Instance) core.InstanceID { return i.ID })
	for id := range pending {
		if settled(byID[id]) {
			pending.Delete(id)
		}
	}

	go func() {
		defer sub.Cancel()
		for pending.Len() > 0 {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-sub.C:
				if !ok {
					return
				}
				if pending.Has(change.ID) && settled(change.Instance) {
					pending.Delete(change.ID)
				}
			}
		}
		close(w.done)
	}()
	return w
}
