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

	"github.com/avast/retry-go"
	"github.com/awslabs/operatorpkg/serrors"
	"github.com/go-logr/logr"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

// ReconcileTasks cross-checks the orchestrator's instance view against the
// cluster: known non-terminal task statuses are re-announced, instances of run
// specs that no longer exist are decommissioned, and a trailing empty
// reconcile solicits implicit statuses for tasks the core does not know.
func (a *Actions) ReconcileTasks(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)
	root, err := a.groups.Root(ctx)
	if err != nil {
		return fmt.Errorf("loading group root, %w", err)
	}
	knownIDs := root.RunSpecIDs()

	bySpec, err := a.tracker.InstancesBySpec(ctx)
	if err != nil {
		return fmt.Errorf("listing instances, %w", err)
	}

	var statuses []core.TaskStatus
	for specID, instances := range bySpec {
		if !knownIDs.Has(specID) {
			// Orphaned: the run spec is gone, the instances must follow.
			for _, instance := range instances {
				log.Info("decommissioning orphaned instance", "instance", instance.ID, "run-spec", specID)
				if err := a.tracker.SetGoal(ctx, instance.ID, core.GoalDecommissioned, core.ReasonOrphaned); err != nil {
					log.Error(err, "failed decommissioning orphan", "instance", instance.ID)
				}
			}
			continue
		}
		for _, instance := range instances {
			for _, task := range instance.Tasks {
				if task.Status != nil && !task.Status.Condition.IsTerminal() {
					statuses = append(statuses, *task.Status)
				}
			}
		}
	}

	if len(statuses) > 0 {
		if err := a.reconcileWithRetry(ctx, statuses); err != nil {
			return serrors.Wrap(fmt.Errorf("reconciling task statuses, %w", err), "statuses", len(statuses))
		}
	}
	// The empty call asks the cluster to announce whatever the core is missing.
	if err := a.reconcileWithRetry(ctx, nil); err != nil {
		return fmt.Errorf("soliciting implicit task statuses, %w", err)
	}
	log.V(1).Info("task reconciliation driven", "statuses", len(statuses))
	return nil
}

func (a *Actions) reconcileWithRetry(ctx context.Context, statuses []core.TaskStatus) error {
	return retry.Do(func() error {
		return a.driver.ReconcileTasks(ctx, statuses)
	}, retry.Attempts(3), retry.Context(ctx))
}
