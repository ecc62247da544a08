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

package fake

import (
	"context"
	"sync"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/state"
)

// Driver records every cluster call. When bound to a tracker, kills take
// effect immediately: the victim transitions straight to Killed so watchers
// settle without a real cluster round trip.
type Driver struct {
	mu sync.Mutex

	ReconcileCalls [][]core.TaskStatus
	KillCalls      []core.InstanceID
	LaunchCalls    []AddCall

	NextReconcileErr error
	NextKillErr      error

	// ReconcileBlock, when set, stalls every ReconcileTasks call until the
	// channel yields, letting tests hold a reconciliation in flight.
	ReconcileBlock chan struct{}

	Tracker *state.InMemoryTracker
}

func NewDriver(tracker *state.InMemoryTracker) *Driver {
	return &Driver{Tracker: tracker}
}

func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ReconcileCalls = nil
	d.KillCalls = nil
	d.LaunchCalls = nil
	d.NextReconcileErr = nil
	d.NextKillErr = nil
}

func (d *Driver) ReconcileTasks(_ context.Context, statuses []core.TaskStatus) error {
	d.mu.Lock()
	d.ReconcileCalls = append(d.ReconcileCalls, statuses)
	err := d.NextReconcileErr
	d.NextReconcileErr = nil
	block := d.ReconcileBlock
	d.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (d *Driver) Kill(ctx context.Context, id core.InstanceID) error {
	d.mu.Lock()
	d.KillCalls = append(d.KillCalls, id)
	err := d.NextKillErr
	d.NextKillErr = nil
	tracker := d.Tracker
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if tracker != nil {
		if instance, _ := tracker.Get(ctx, id); instance != nil {
			instance.Condition = core.ConditionKilled
			for _, task := range instance.Tasks {
				task.Status = &core.TaskStatus{TaskID: task.ID, Condition: core.ConditionKilled}
			}
			tracker.Upsert(instance)
		}
	}
	return nil
}

func (d *Driver) Launch(_ context.Context, spec *core.RunSpec, count int) ([]*core.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LaunchCalls = append(d.LaunchCalls, AddCall{Spec: spec, Count: count})
	instances := make([]*core.Instance, 0, count)
	for range count {
		instances = append(instances, Instance(spec, WithCondition(core.ConditionProvisioned)))
	}
	return instances, nil
}
