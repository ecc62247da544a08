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
	"fmt"

	"github.com/awslabs/operatorpkg/serrors"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/launch"
	"github.com/convoy-sched/convoy/pkg/state"
)

// taskStart waits for a run spec to reach scaleTo running instances, feeding
// the launch queue with whatever demand is still missing. It requeries current
// state on entry, so a supervisor restart is safe.
type taskStart struct {
	tracker state.Tracker
	queue   launch.Queue
	run     *core.RunSpec
	scaleTo int
}

func (w *taskStart) runWorker(ctx context.Context) error {
	sub, err := w.tracker.Updates(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to instance updates, %w", err)
	}
	defer sub.Cancel()

	mine := lo.Filter(sub.Snapshot, func(i *core.Instance, _ int) bool { return i.RunSpecID() == w.run.ID })
	running := sets.New(lo.FilterMap(mine, func(i *core.Instance, _ int) (core.InstanceID, bool) {
		return i.ID, i.Condition == core.ConditionRunning && i.Goal == core.GoalRunning
	})...)
	scheduled := lo.CountBy(mine, func(i *core.Instance) bool { return i.IsScheduled() })

	if toAdd := w.scaleTo - running.Len() - scheduled; toAdd > 0 {
		if err := w.queue.Add(ctx, w.run, toAdd); err != nil {
			return serrors.Wrap(fmt.Errorf("adding instances to launch queue, %w", err), "run-spec", w.run.ID, "count", toAdd)
		}
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("waiting for instances to run",
		"run-spec", w.run.ID, "target", w.scaleTo, "running", running.Len())

	for running.Len() < w.scaleTo {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-sub.C:
			if !ok {
				return serrors.Wrap(fmt.Errorf("instance update stream closed"), "run-spec", w.run.ID)
			}
			if change.ID.RunSpecID() != w.run.ID {
				continue
			}
			if change.Instance != nil && change.Instance.Condition == core.ConditionRunning && change.Instance.Goal == core.GoalRunning {
				running.Insert(change.ID)
			} else {
				running.Delete(change.ID)
			}
		}
	}
	return nil
}

// taskReplace replaces every instance of an older version with instances of
// the run spec's current version: the old generation is killed, replacements
// are launched, and the worker completes once the new generation is fully
// running and the old one is gone.
type taskReplace struct {
	tracker state.Tracker
	queue   launch.Queue
	run     *core.RunSpec
}

func (w *taskReplace) runWorker(ctx context.Context) error {
	sub, err := w.tracker.Updates(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to instance updates, %w", err)
	}
	defer sub.Cancel()

	mine := lo.Filter(sub.Snapshot, func(i *core.Instance, _ int) bool { return i.RunSpecID() == w.run.ID })
	outdated, current := lo.FilterReject(mine, func(i *core.Instance, _ int) bool {
		return i.StartedBefore(w.run.Version)
	})
	toKill := lo.Filter(outdated, func(i *core.Instance, _ int) bool { return i.IsActive() })

	// The subscription predates every goal change below, so no terminal
	// transition can be missed.
	pendingOld := sets.New(lo.Map(toKill, func(i *core.Instance, _ int) core.InstanceID { return i.ID })...)

	for _, instance := range toKill {
		goal := lo.Ternary(instance.HasReservation, core.GoalStopped, core.GoalDecommissioned)
		if err := w.tracker.SetGoal(ctx, instance.ID, goal, core.ReasonUpgrading); err != nil {
			return serrors.Wrap(fmt.Errorf("killing outdated instance, %w", err), "instance", instance.ID)
		}
	}

	running := sets.New(lo.FilterMap(current, func(i *core.Instance, _ int) (core.InstanceID, bool) {
		return i.ID, i.Condition == core.ConditionRunning && i.Goal == core.GoalRunning
	})...)
	scheduled := lo.CountBy(current, func(i *core.Instance) bool { return i.IsScheduled() })
	if toAdd := w.run.Instances - running.Len() - scheduled; toAdd > 0 {
		if err := w.queue.Add(ctx, w.run, toAdd); err != nil {
			return serrors.Wrap(fmt.Errorf("adding replacement instances, %w", err), "run-spec", w.run.ID, "count", toAdd)
		}
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("replacing instances",
		"run-spec", w.run.ID, "outdated", pendingOld.Len(), "target", w.run.Instances)

	for running.Len() < w.run.Instances || pendingOld.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-sub.C:
			if !ok {
				return serrors.Wrap(fmt.Errorf("instance update stream closed"), "run-spec", w.run.ID)
			}
			if change.ID.RunSpecID() != w.run.ID {
				continue
			}
			if change.Instance == nil || change.Instance.Condition.IsTerminal() {
				pendingOld.Delete(change.ID)
			}
			if change.Instance != nil && !change.Instance.StartedBefore(w.run.Version) &&
				change.Instance.Condition == core.ConditionRunning && change.Instance.Goal == core.GoalRunning {
				running.Insert(change.ID)
			} else {
				running.Delete(change.ID)
			}
		}
	}
	return nil
}
