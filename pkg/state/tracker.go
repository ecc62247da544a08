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
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

// Tracker is the authoritative store of all known instances and their states.
// The scheduling core only reads instances and mutates goals; it never deletes.
type Tracker interface {
	// SpecInstances returns all instances of the given run spec.
	SpecInstances(ctx context.Context, id core.RunSpecID) ([]*core.Instance, error)
	// Get returns the instance with the given id, or nil if unknown.
	Get(ctx context.Context, id core.InstanceID) (*core.Instance, error)
	// InstancesBySpec returns all known instances grouped by run spec id.
	InstancesBySpec(ctx context.Context) (map[core.RunSpecID][]*core.Instance, error)
	// SetGoal replaces the instance's goal. Setting the goal and reason an
	// instance already has is a no-op; in particular decommissioning twice
	// with the same reason is safe. The same goal with a different reason
	// updates the reason and publishes a change.
	SetGoal(ctx context.Context, id core.InstanceID, goal core.Goal, reason core.GoalReason) error
	// Updates subscribes to the instance change feed. The subscription's
	// snapshot and channel together observe every state the tracker ever
	// reaches, with no missed events in between.
	Updates(ctx context.Context) (*Subscription, error)
}

// Killer terminates an instance on the cluster. Satisfied by the cluster
// driver.
type Killer interface {
	Kill(ctx context.Context, id core.InstanceID) error
}

// InMemoryTracker keeps the instance map in process memory. Goal changes that
// take an active instance out of the Running goal hand the instance to the
// killer, whose observed progress flows back in through Upsert.
type InMemoryTracker struct {
	mu        sync.Mutex
	instances map[core.InstanceID]*core.Instance
	feeds     []*feed
	killer    Killer
}

type TrackerOption func(*InMemoryTracker)

func WithKiller(k Killer) TrackerOption {
	return func(t *InMemoryTracker) { t.killer = k }
}

func NewInMemoryTracker(opts ...TrackerOption) *InMemoryTracker {
	t := &InMemoryTracker{instances: map[core.InstanceID]*core.Instance{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *InMemoryTracker) SpecInstances(_ context.Context, id core.RunSpecID) ([]*core.Instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	instances := lo.FilterMap(lo.Values(t.instances), func(i *core.Instance, _ int) (*core.Instance, bool) {
		return i.Copy(), i.RunSpecID() == id
	})
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

func (t *InMemoryTracker) Get(_ context.Context, id core.InstanceID) (*core.Instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if instance, ok := t.instances[id]; ok {
		return instance.Copy(), nil
	}
	return nil, nil
}

func (t *InMemoryTracker) InstancesBySpec(_ context.Context) (map[core.RunSpecID][]*core.Instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.GroupBy(
		lo.Map(lo.Values(t.instances), func(i *core.Instance, _ int) *core.Instance { return i.Copy() }),
		func(i *core.Instance) core.RunSpecID { return i.RunSpecID() },
	), nil
}

func (t *InMemoryTracker) SetGoal(ctx context.Context, id core.InstanceID, goal core.Goal, reason core.GoalReason) error {
	t.mu.Lock()
	instance, ok := t.instances[id]
	if !ok || (instance.Goal == goal && instance.GoalReason == reason) {
		t.mu.Unlock()
		return nil
	}
	instance.Goal = goal
	instance.GoalReason = reason
	copied := instance.Copy()
	active := instance.IsActive()
	t.publishLocked(InstanceChange{ID: id, Instance: copied})
	if goal == core.GoalDecommissioned && !active && !instance.Condition.IsTerminal() {
		// Never launched: nothing on the cluster to wait for, drop it outright.
		delete(t.instances, id)
		t.publishLocked(InstanceChange{ID: id, Instance: nil})
	}
	t.mu.Unlock()

	logr.FromContextOrDiscard(ctx).V(1).Info("goal changed", "instance", id, "goal", goal, "reason", reason)
	if goal != core.GoalRunning && active && t.killer != nil {
		if err := t.killer.Kill(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (t *InMemoryTracker) Updates(ctx context.Context) (*Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := lo.Map(lo.Values(t.instances), func(i *core.Instance, _ int) *core.Instance { return i.Copy() })
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })
	f := newFeed(ctx)
	t.feeds = append(t.feeds, f)
	return &Subscription{Snapshot: snapshot, C: f.out, cancel: cancel}, nil
}

// Upsert records the latest observed state of an instance, typically driven by
// the cluster's status feed or the launch path.
func (t *InMemoryTracker) Upsert(instance *core.Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instances[instance.ID] = instance.Copy()
	t.publishLocked(InstanceChange{ID: instance.ID, Instance: instance.Copy()})
}

// Forget drops an instance entirely, e.g. once the cluster has reclaimed a
// decommissioned instance's resources.
func (t *InMemoryTracker) Forget(id core.InstanceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.instances[id]; !ok {
		return
	}
	delete(t.instances, id)
	t.publishLocked(InstanceChange{ID: id, Instance: nil})
}

func (t *InMemoryTracker) publishLocked(change InstanceChange) {
	feeds := t.feeds[:0]
	for _, f := range t.feeds {
		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			continue
		}
		f.publish(change)
		feeds = append(feeds, f)
	}
	t.feeds = feeds
}
