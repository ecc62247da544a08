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

package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/awslabs/operatorpkg/serrors"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

// InstanceSink receives simulated instance state transitions. Satisfied by the
// in-memory tracker.
type InstanceSink interface {
	Upsert(instance *core.Instance)
	Forget(id core.InstanceID)
	Get(ctx context.Context, id core.InstanceID) (*core.Instance, error)
}

var errUnbound = errors.New("sim driver is not bound to a tracker")

// SimDriver emulates a cluster without any real agents: launched instances
// walk Provisioned -> Staging -> Starting -> Running on a short delay and
// kills complete after one hop through Killing. It serves development and
// smoke testing, not production.
type SimDriver struct {
	clk  clock.Clock
	hop  time.Duration
	mu   sync.Mutex
	sink InstanceSink
}

func NewSimDriver(clk clock.Clock, hop time.Duration) *SimDriver {
	return &SimDriver{clk: clk, hop: hop}
}

// Bind connects the driver to the tracker. Must be called before any launch.
func (d *SimDriver) Bind(sink InstanceSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

func (d *SimDriver) ReconcileTasks(_ context.Context, _ []core.TaskStatus) error {
	// The simulation has no out-of-band state to re-announce.
	return nil
}

func (d *SimDriver) Launch(ctx context.Context, spec *core.RunSpec, count int) ([]*core.Instance, error) {
	sink := d.boundSink()
	if sink == nil {
		return nil, serrors.Wrap(errUnbound, "run-spec", spec.ID)
	}
	instances := make([]*core.Instance, 0, count)
	for range count {
		instance := &core.Instance{
			ID:        core.NewInstanceID(spec.ID),
			Condition: core.ConditionProvisioned,
			Goal:      core.GoalRunning,
			StartedAt: d.clk.Now(),
			Version:   spec.Version,
			Tasks: map[string]*core.Task{
				"main": {ID: uuid.NewString()},
			},
		}
		instances = append(instances, instance)
		go d.walk(ctx, instance, core.ConditionStaging, core.ConditionStarting, core.ConditionRunning)
	}
	return instances, nil
}

func (d *SimDriver) Kill(ctx context.Context, id core.InstanceID) error {
	sink := d.boundSink()
	if sink == nil {
		return serrors.Wrap(errUnbound, "instance", id)
	}
	go func() {
		instance, err := sink.Get(ctx, id)
		if err != nil || instance == nil {
			return
		}
		d.step(ctx, instance, core.ConditionKilling)
		if !d.sleep(ctx) {
			return
		}
		d.step(ctx, instance, core.ConditionKilled)
	}()
	return nil
}

func (d *SimDriver) walk(ctx context.Context, instance *core.Instance, conditions ...core.Condition) {
	for _, condition := range conditions {
		if !d.sleep(ctx) {
			return
		}
		d.step(ctx, instance, condition)
	}
}

func (d *SimDriver) step(ctx context.Context, instance *core.Instance, condition core.Condition) {
	sink := d.boundSink()
	if sink == nil || ctx.Err() != nil {
		return
	}
	next := instance.Copy()
	next.Condition = condition
	if condition.IsTerminal() {
		for _, task := range next.Tasks {
			task.Status = &core.TaskStatus{TaskID: task.ID, Condition: condition, Timestamp: d.clk.Now()}
		}
	}
	*instance = *next
	sink.Upsert(next)
}

func (d *SimDriver) sleep(ctx context.Context) bool {
	timer := d.clk.NewTimer(d.hop)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}

func (d *SimDriver) boundSink() InstanceSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}
