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
	"go.uber.org/multierr"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/events"
	"github.com/convoy-sched/convoy/pkg/health"
	"github.com/convoy-sched/convoy/pkg/launch"
	"github.com/convoy-sched/convoy/pkg/scaling"
	"github.com/convoy-sched/convoy/pkg/state"
)

// Deps bundles the collaborators an executor needs to perform actions.
type Deps struct {
	Tracker  state.Tracker
	Queue    launch.Queue
	Health   health.Manager
	Recorder events.Recorder
	Clock    clock.Clock
}

// executor walks one plan's steps in order, running the actions of each step
// concurrently. It reports progress to the manager through its message channel
// and never processes two steps at once.
type executor struct {
	plan     *Plan
	deps     Deps
	notify   chan<- managerMsg
	cancelCh chan error
}

func newExecutor(plan *Plan, deps Deps, notify chan<- managerMsg) *executor {
	return &executor{
		plan:     plan,
		deps:     deps,
		notify:   notify,
		cancelCh: make(chan error, 1),
	}
}

// Cancel aborts the plan. In-flight actions are not awaited; their child
// workers are stopped through context cancellation.
func (e *executor) Cancel(cause error) {
	select {
	case e.cancelCh <- cause:
	default:
	}
}

func (e *executor) run(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx).WithName("executor").WithValues("plan", e.plan.ID)
	ctx = logr.NewContext(ctx, log)

	for idx, step := range e.plan.Steps {
		index := idx + 1
		e.send(ctx, stepInfoMsg{plan: e.plan, step: step, index: index})

		stepCtx, cancelStep := context.WithCancel(ctx)
		result := make(chan error, 1)
		go func(step Step, index int) {
			result <- e.performStep(stepCtx, step, index)
		}(step, index)

		select {
		case err := <-result:
			cancelStep()
			if err != nil {
				e.send(ctx, finishedMsg{plan: e.plan, err: serrors.Wrap(fmt.Errorf("executing step, %w", err), "plan", e.plan.ID, "step", index)})
				return
			}
		case cause := <-e.cancelCh:
			cancelStep()
			e.send(ctx, finishedMsg{plan: e.plan, err: cause})
			return
		case <-ctx.Done():
			// The whole manager is going down with us; the send below is
			// best-effort.
			cancelStep()
			e.send(ctx, finishedMsg{plan: e.plan, err: ctx.Err()})
			return
		}
	}
	e.send(ctx, finishedMsg{plan: e.plan, err: nil})
}

func (e *executor) send(ctx context.Context, msg managerMsg) {
	select {
	case e.notify <- msg:
	case <-ctx.Done():
	}
}

func (e *executor) performStep(ctx context.Context, step Step, index int) error {
	if len(step.Actions) == 0 {
		return nil
	}
	e.deps.Recorder.Publish(events.DeploymentStatusEvent(e.plan.ID, index))

	errs := make([]error, len(step.Actions))
	workqueue.ParallelizeUntil(ctx, len(step.Actions), len(step.Actions), func(i int) {
		errs[i] = e.perform(ctx, step.Actions[i])
	})
	if err := multierr.Combine(errs...); err != nil {
		e.deps.Recorder.Publish(events.DeploymentStepFailureEvent(e.plan.ID, index))
		return err
	}
	e.deps.Recorder.Publish(events.DeploymentStepSuccessEvent(e.plan.ID, index))
	return nil
}

func (e *executor) perform(ctx context.Context, action Action) error {
	run := action.Run()
	if err := e.deps.Health.AddAllFor(ctx, run); err != nil {
		return serrors.Wrap(fmt.Errorf("registering health checks, %w", err), "run-spec", run.ID)
	}
	switch a := action.(type) {
	case StartApplication:
		// Starting is handled by scaling the freshly registered spec.
		return nil
	case ScaleApplication:
		return e.scale(ctx, a.Spec, a.ScaleTo, a.ToKill)
	case RestartApplication:
		if a.Spec.Instances == 0 {
			return nil
		}
		e.deps.Recorder.Publish(events.UpgradeEventFor(a.Spec.ID))
		return e.await(ctx, "task-replace", (&taskReplace{tracker: e.deps.Tracker, queue: e.deps.Queue, run: a.Spec}).runWorker)
	case StopApplication:
		return e.stop(ctx, a.Spec)
	default:
		return serrors.Wrap(fmt.Errorf("unknown deployment action"), "action", action.Name())
	}
}

// scale fetches current instances, runs the scaling proposition, kills the
// victims and waits for them to terminate, then brings up the missing count
// through a task-start worker.
func (e *executor) scale(ctx context.Context, run *core.RunSpec, scaleTo int, toKill []*core.Instance) error {
	log := logr.FromContextOrDiscard(ctx)
	instances, err := e.deps.Tracker.SpecInstances(ctx, run.ID)
	if err != nil {
		// An unavailable tracker is treated as no active instances.
		log.Error(err, "failed fetching instances, assuming none", "run-spec", run.ID)
		instances = nil
	}
	active := lo.Filter(instances, func(i *core.Instance, _ int) bool { return i.IsActive() })
	proposition := scaling.Propose(active, toKill, nil, scaleTo, run.KillSelection)

	if len(proposition.ToKill) > 0 {
		if err := e.killAndWait(ctx, proposition.ToKill, core.ReasonDeploymentScaling); err != nil {
			return serrors.Wrap(fmt.Errorf("scaling down, %w", err), "run-spec", run.ID)
		}
	}
	if proposition.ToStart > 0 {
		worker := &taskStart{tracker: e.deps.Tracker, queue: e.deps.Queue, run: run, scaleTo: scaleTo}
		if err := e.await(ctx, "task-start", worker.runWorker); err != nil {
			return serrors.Wrap(fmt.Errorf("scaling up, %w", err), "run-spec", run.ID)
		}
	}
	return nil
}

// killAndWait subscribes the kill watcher before issuing any goal change so no
// terminal transition can slip through, then blocks until every victim is gone.
func (e *executor) killAndWait(ctx context.Context, victims []*core.Instance, reason core.GoalReason) error {
	sub, err := e.deps.Tracker.Updates(ctx)
	if err != nil {
		return fmt.Errorf("subscribing to instance updates, %w", err)
	}
	watcher := WatchForKilledInstances(ctx, sub, victims)
	for _, instance := range victims {
		goal := lo.Ternary(instance.HasReservation, core.GoalStopped, core.GoalDecommissioned)
		if err := e.deps.Tracker.SetGoal(ctx, instance.ID, goal, reason); err != nil {
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

// stop decommissions every instance of the run spec and cleans up its health
// checks and launch queue state. Cleanup failures are logged and swallowed so
// the surrounding deployment still makes progress.
func (e *executor) stop(ctx context.Context, run *core.RunSpec) error {
	log := logr.FromContextOrDiscard(ctx)
	if err := e.deps.Health.RemoveAllFor(ctx, run.ID); err != nil {
		log.Error(err, "failed removing health checks", "run-spec", run.ID)
	}
	if err := e.deps.Queue.Purge(ctx, run.ID); err != nil {
		log.Error(err, "failed purging launch queue", "run-spec", run.ID)
	}

	instances, err := e.deps.Tracker.SpecInstances(ctx, run.ID)
	if err != nil {
		log.Error(err, "failed fetching instances, assuming none", "run-spec", run.ID)
		instances = nil
	}
	sub, err := e.deps.Tracker.Updates(ctx)
	if err != nil {
		return serrors.Wrap(fmt.Errorf("subscribing to instance updates, %w", err), "run-spec", run.ID)
	}
	ids := lo.Map(instances, func(i *core.Instance, _ int) core.InstanceID { return i.ID })
	watcher := WatchForDecommissionedInstances(ctx, sub, ids)
	for _, instance := range instances {
		if err := e.deps.Tracker.SetGoal(ctx, instance.ID, core.GoalDecommissioned, core.ReasonDeletingApp); err != nil {
			log.Error(err, "failed decommissioning instance", "instance", instance.ID)
		}
	}
	select {
	case <-watcher.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := e.deps.Queue.ResetDelay(ctx, run); err != nil {
		log.Error(err, "failed resetting launch delay", "run-spec", run.ID)
	}
	e.deps.Recorder.Publish(events.AppTerminatedEvent(run.ID))
	return nil
}

// await runs a supervised child worker to completion, restarting it on
// transient failures with back-off.
func (e *executor) await(ctx context.Context, name string, fn func(context.Context) error) error {
	promise := make(chan error, 1)
	go func() {
		promise <- Supervise(ctx, e.deps.Clock, name, fn)
	}()
	select {
	case err := <-promise:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
