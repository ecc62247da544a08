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

package scheduler

import (
	"context"
	"fmt"

	"github.com/awslabs/operatorpkg/serrors"
	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/deployment"
	"github.com/convoy-sched/convoy/pkg/driver"
	"github.com/convoy-sched/convoy/pkg/launch"
	"github.com/convoy-sched/convoy/pkg/scaling"
	"github.com/convoy-sched/convoy/pkg/state"
	"github.com/convoy-sched/convoy/pkg/storage"
)

// Actions hosts the command bodies the core dispatches after acquiring locks.
// They run on background goroutines; the core serializes access per run spec
// through the lock table, never through these methods.
type Actions struct {
	tracker state.Tracker
	queue   launch.Queue
	groups  storage.GroupRepository
	driver  driver.Driver
}

func NewActions(tracker state.Tracker, queue launch.Queue, groups storage.GroupRepository, drv driver.Driver) *Actions {
	return &Actions{tracker: tracker, queue: queue, groups: groups, driver: drv}
}

// Scale drives one run spec toward its desired instance count. A run spec that
// has disappeared from the group tree is not an error; there is just nothing
// to do.
func (a *Actions) Scale(ctx context.Context, id core.RunSpecID) error {
	log := logr.FromContextOrDiscard(ctx)
	root, err := a.groups.Root(ctx)
	if err != nil {
		return fmt.Errorf("loading group root, %w", err)
	}
	spec, ok := root.RunSpec(id)
	if !ok {
		log.Info("run spec removed before scaling, ignoring", "run-spec", id)
		return nil
	}
	return a.ScaleSpec(ctx, spec)
}

// ScaleSpec scales a resolved run spec. Both the kill phase and the launch
// demand are driven to completion before returning, so lock release implies
// the goals are settled.
func (a *Actions) ScaleSpec(ctx context.Context, run *core.RunSpec) error {
	log := logr.FromContextOrDiscard(ctx)
	instances, err := a.tracker.SpecInstances(ctx, run.ID)
	if err != nil {
		log.Error(err, "failed fetching instances, assuming none", "run-spec", run.ID)
		instances = nil
	}
	active := lo.Filter(instances, func(i *core.Instance, _ int) bool { return i.IsActive() })
	scheduled := lo.CountBy(instances, func(i *core.Instance) bool { return i.IsScheduled() })
	proposition := scaling.Propose(active, nil, nil, run.Instances, run.KillSelection)
	if proposition.IsNoOp() {
		log.V(1).Info("already at target instance count", "run-spec", run.ID, "instances", run.Instances)
		return nil
	}

	if len(proposition.ToKill) > 0 {
		if err := a.queue.Purge(ctx, run.ID); err != nil {
			log.Error(err, "failed purging launch queue before killing", "run-spec", run.ID)
		}
		sub, err := a.tracker.Updates(ctx)
		if err != nil {
			return serrors.Wrap(fmt.Errorf("subscribing to instance updates, %w", err), "run-spec", run.ID)
		}
		watcher := deployment.WatchForKilledInstances(ctx, sub, proposition.ToKill)
		for _, instance := range proposition.ToKill {
			goal := lo.Ternary(instance.HasReservation, core.GoalStopped, core.GoalDecommissioned)
			if err := a.tracker.SetGoal(ctx, instance.ID, goal, core.ReasonOverCapacity); err != nil {
				return serrors.Wrap(fmt.Errorf("setting goal, %w", err), "instance", instance.ID, "goal", goal)
			}
		}
		select {
		case <-watcher.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if proposition.ToStart > 0 {
		if toAdd := proposition.ToStart - scheduled; toAdd > 0 {
			if err := a.queue.Add(ctx, run, toAdd); err != nil {
				return serrors.Wrap(fmt.Errorf("adding instances to launch queue, %w", err), "run-spec", run.ID, "count", toAdd)
			}
		} else {
			log.V(1).Info("enough instances already scheduled", "run-spec", run.ID, "scheduled", scheduled)
		}
	}
	return nil
}

// KillInstances decommissions specific instances of one run spec and waits for
// them to terminate.
func (a *Actions) KillInstances(ctx context.Context, id core.RunSpecID, instanceIDs []core.InstanceID) error {
	log := logr.FromContextOrDiscard(ctx)
	var victims []*core.Instance
	for _, instanceID := range instanceIDs {
		instance, err := a.tracker.Get(ctx, instanceID)
		if err != nil {
			return serrors.Wrap(fmt.Errorf("looking up instance, %w", err), "instance", instanceID)
		}
		if instance == nil || instance.RunSpecID() != id {
			log.V(1).Info("instance not found for kill", "instance", instanceID, "run-spec", id)
			continue
		}
		victims = append(victims, instance)
	}
	if len(victims) == 0 {
		return nil
	}
	sub, err := a.tracker.Updates(ctx)
	if err != nil {
		return serrors.Wrap(fmt.Errorf("subscribing to instance updates, %w", err), "run-spec", id)
	}
	watcher := deployment.WatchForKilledInstances(ctx, sub, victims)
	for _, instance := range victims {
		goal := lo.Ternary(instance.HasReservation, core.GoalStopped, core.GoalDecommissioned)
		if err := a.tracker.SetGoal(ctx, instance.ID, goal, core.ReasonKillRequested); err != nil {
			return serrors.Wrap(fmt.Errorf("setting goal, %w", err), "instance", instance.ID, "goal", goal)
		}
	}
	select {
	case <-watcher.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
