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

// Package scheduler hosts the single serialization point of the orchestrator:
// every externally visible mutating operation flows through the core one
// command at a time. The core owns the run spec lock table and the leadership
// lifecycle; the heavy lifting of individual commands is delegated to the
// deployment manager and the scheduler actions.
package scheduler

import (
	"context"
	"errors"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/deployment"
	"github.com/convoy-sched/convoy/pkg/events"
	"github.com/convoy-sched/convoy/pkg/health"
	"github.com/convoy-sched/convoy/pkg/launch"
	"github.com/convoy-sched/convoy/pkg/metrics"
	"github.com/convoy-sched/convoy/pkg/storage"
)

// maxStash bounds the number of commands buffered while suspended. Overflowing
// commands are rejected with ErrNotReady instead of growing without bound.
const maxStash = 512

type command interface{}

type deployCmd struct {
	plan  *deployment.Plan
	force bool
	reply chan error
}

type scaleCmd struct {
	id core.RunSpecID
}

type reconcileCmd struct {
	reply chan error
}

type cancelCmd struct {
	planID string
	reply  chan error
}

type killCmd struct {
	id        core.RunSpecID
	instances []core.InstanceID
	reply     chan error
}

type electedCmd struct{}

type standbyCmd struct{}

// self messages posted by background futures back into the serialization loop
type deploymentDoneMsg struct {
	plan *deployment.Plan
	err  error
}

type runSpecScaledMsg struct {
	id core.RunSpecID
}

type tasksKilledMsg struct {
	id core.RunSpecID
}

type reconcileFinishedMsg struct {
	err error
}

// Core is the scheduler worker. All state below is touched exclusively from
// the Run goroutine; the single-threaded-cooperative discipline is what makes
// the lock table safe without further synchronization.
type Core struct {
	manager  *deployment.Manager
	actions  *Actions
	repo     deployment.Repository
	groups   storage.GroupRepository
	health   health.Manager
	queue    launch.Queue
	recorder events.Recorder

	cmds chan command
	self chan command

	started bool
	stash   []command
	locks   map[core.RunSpecID]int

	reconcileWaiters []chan error
	reconciling      bool
}

func NewCore(manager *deployment.Manager, actions *Actions, repo deployment.Repository,
	groups storage.GroupRepository, healthManager health.Manager, queue launch.Queue,
	recorder events.Recorder,
) *Core {
	return &Core{
		manager:  manager,
		actions:  actions,
		repo:     repo,
		groups:   groups,
		health:   healthManager,
		queue:    queue,
		recorder: recorder,
		cmds:     make(chan command),
		self:     make(chan command, 1024),
		locks:    map[core.RunSpecID]int{},
	}
}

// Deploy submits a plan. The returned error reflects acceptance: nil once the
// manager has started the plan, AppLockedError when a non-forced plan
// conflicts with an active one.
func (c *Core) Deploy(ctx context.Context, plan *deployment.Plan, force bool) error {
	cmd := deployCmd{plan: plan, force: force, reply: make(chan error, 1)}
	return c.submit(ctx, cmd, cmd.reply)
}

// ScaleRunSpec requests a background scale of the given run spec. The request
// is dropped silently if the run spec is locked.
func (c *Core) ScaleRunSpec(ctx context.Context, id core.RunSpecID) {
	select {
	case c.cmds <- scaleCmd{id: id}:
	case <-ctx.Done():
	}
}

// ReconcileTasks triggers (or joins) a fleet-wide task reconciliation and
// waits for its completion.
func (c *Core) ReconcileTasks(ctx context.Context) error {
	cmd := reconcileCmd{reply: make(chan error, 1)}
	return c.submit(ctx, cmd, cmd.reply)
}

// CancelDeployment aborts the in-flight plan with the given id.
func (c *Core) CancelDeployment(ctx context.Context, planID string) error {
	cmd := cancelCmd{planID: planID, reply: make(chan error, 1)}
	return c.submit(ctx, cmd, cmd.reply)
}

// KillInstances decommissions the given instances of one run spec, holding the
// spec's lock for the duration.
func (c *Core) KillInstances(ctx context.Context, id core.RunSpecID, instances []core.InstanceID) error {
	cmd := killCmd{id: id, instances: instances, reply: make(chan error, 1)}
	return c.submit(ctx, cmd, cmd.reply)
}

// ListDeployments snapshots the active plans.
func (c *Core) ListDeployments(ctx context.Context) []*deployment.Plan {
	return c.manager.List(ctx)
}

// ElectedAsLeaderAndReady transitions the core out of suspension: persisted
// plans are recovered and buffered commands are drained.
func (c *Core) ElectedAsLeaderAndReady(ctx context.Context) {
	select {
	case c.cmds <- electedCmd{}:
	case <-ctx.Done():
	}
}

// Standby suspends the core after losing leadership.
func (c *Core) Standby(ctx context.Context) {
	select {
	case c.cmds <- standbyCmd{}:
	case <-ctx.Done():
	}
}

func (c *Core) submit(ctx context.Context, cmd command, reply chan error) error {
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes commands until ctx is canceled. Self messages are drained
// preferentially so completions are never starved by new commands.
func (c *Core) Run(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx).WithName("scheduler")
	ctx = logr.NewContext(ctx, log)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.self:
			c.handle(ctx, msg)
		default:
			select {
			case <-ctx.Done():
				return
			case msg := <-c.self:
				c.handle(ctx, msg)
			case cmd := <-c.cmds:
				c.handle(ctx, cmd)
			}
		}
	}
}

func (c *Core) handle(ctx context.Context, cmd command) {
	switch cmd := cmd.(type) {
	case electedCmd:
		c.handleElected(ctx)
	case standbyCmd:
		c.handleStandby(ctx)
	case deploymentDoneMsg:
		c.handleDeploymentDone(ctx, cmd)
	case runSpecScaledMsg:
		c.removeLock(cmd.id)
	case tasksKilledMsg:
		c.removeLock(cmd.id)
	case reconcileFinishedMsg:
		c.handleReconcileFinished(cmd)
	case locksSnapshotCmd:
		ids := sets.List(sets.New(lo.Keys(c.locks)...))
		cmd.reply <- ids
	default:
		if !c.started {
			c.stashCommand(ctx, cmd)
			return
		}
		switch cmd := cmd.(type) {
		case deployCmd:
			c.handleDeploy(ctx, cmd)
		case scaleCmd:
			c.handleScale(ctx, cmd)
		case reconcileCmd:
			c.handleReconcile(ctx, cmd)
		case cancelCmd:
			c.handleCancel(ctx, cmd)
		case killCmd:
			c.handleKill(ctx, cmd)
		}
	}
}

func (c *Core) stashCommand(ctx context.Context, cmd command) {
	if len(c.stash) >= maxStash {
		logr.FromContextOrDiscard(ctx).Info("stash full, rejecting command while suspended")
		replyTo(cmd, ErrNotReady)
		return
	}
	c.stash = append(c.stash, cmd)
}

func replyTo(cmd command, err error) {
	switch cmd := cmd.(type) {
	case deployCmd:
		cmd.reply <- err
	case reconcileCmd:
		cmd.reply <- err
	case cancelCmd:
		cmd.reply <- err
	case killCmd:
		cmd.reply <- err
	}
}

// handleElected loads all persisted plans and re-submits each to the manager
// before opening up for new commands. A failing repository degrades to an
// empty plan set rather than blocking leadership.
func (c *Core) handleElected(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)
	if c.started {
		return
	}
	var plans []*deployment.Plan
	err := retry.Do(func() (err error) {
		plans, err = c.repo.All(ctx)
		return err
	}, retry.Attempts(3), retry.Context(ctx))
	if err != nil {
		log.Error(err, "failed recovering deployments, continuing with none")
		plans = nil
	}
	for _, plan := range plans {
		log.Info("recovering deployment", "plan", plan.ID)
		c.addLocks(plan.AffectedRunSpecIDs())
		_, done := c.manager.StartRecovered(ctx, plan)
		c.forwardCompletion(ctx, plan, done)
	}
	c.started = true
	log.Info("elected as leader and ready", "recovered", len(plans))

	stash := c.stash
	c.stash = nil
	for _, cmd := range stash {
		c.handle(ctx, cmd)
	}
	c.triggerHealthReconciliation(ctx)
}

func (c *Core) handleStandby(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)
	if !c.started {
		return
	}
	// In-flight deployments keep running; their completion messages still
	// publish the deployment events (and purge the launch queue on failure),
	// but find an empty lock table, so releasing their locks changes nothing.
	if err := c.health.RemoveAll(ctx); err != nil {
		log.Error(err, "failed removing health checks on standby")
	}
	c.locks = map[core.RunSpecID]int{}
	metrics.LockTableSize.Set(0)
	c.started = false
	log.Info("suspended after losing leadership")
}

func (c *Core) handleDeploy(ctx context.Context, cmd deployCmd) {
	// Locks are taken unconditionally; the manager resolves conflicts and the
	// completion path below releases them in every outcome.
	c.addLocks(cmd.plan.AffectedRunSpecIDs())
	started, done := c.manager.Start(ctx, cmd.plan, cmd.force)
	go func() {
		select {
		case err := <-started:
			cmd.reply <- err
		case <-ctx.Done():
			cmd.reply <- ctx.Err()
		}
	}()
	c.forwardCompletion(ctx, cmd.plan, done)
}

func (c *Core) forwardCompletion(ctx context.Context, plan *deployment.Plan, done <-chan error) {
	go func() {
		select {
		case err := <-done:
			c.post(ctx, deploymentDoneMsg{plan: plan, err: err})
		case <-ctx.Done():
		}
	}()
}

func (c *Core) handleDeploymentDone(ctx context.Context, msg deploymentDoneMsg) {
	log := logr.FromContextOrDiscard(ctx)
	affected := msg.plan.AffectedRunSpecIDs()
	c.removeLocks(affected)
	switch {
	case msg.err == nil:
		c.recorder.Publish(events.DeploymentSuccessEvent(msg.plan.ID))
	case deployment.IsAppLocked(msg.err):
		// The plan never started; releasing the provisional locks is all
		// there is to do.
	default:
		for _, id := range sets.List(affected) {
			if err := c.queue.Purge(ctx, id); err != nil {
				log.Error(err, "failed purging launch queue", "run-spec", id)
			}
		}
		c.recorder.Publish(events.DeploymentFailedEvent(msg.plan.ID, msg.err.Error()))
	}
}

func (c *Core) handleScale(ctx context.Context, cmd scaleCmd) {
	if !c.withLockFor(sets.New(cmd.id)) {
		logr.FromContextOrDiscard(ctx).V(1).Info("run spec locked, dropping scale request", "run-spec", cmd.id)
		return
	}
	go func() {
		if err := c.actions.Scale(ctx, cmd.id); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "failed scaling", "run-spec", cmd.id)
		}
		c.post(ctx, runSpecScaledMsg{id: cmd.id})
	}()
}

func (c *Core) handleKill(ctx context.Context, cmd killCmd) {
	if !c.withLockFor(sets.New(cmd.id)) {
		cmd.reply <- commandFailed("kill", ErrLocked)
		return
	}
	go func() {
		err := c.actions.KillInstances(ctx, cmd.id, cmd.instances)
		cmd.reply <- commandFailed("kill", err)
		c.post(ctx, tasksKilledMsg{id: cmd.id})
	}()
}

func (c *Core) handleReconcile(ctx context.Context, cmd reconcileCmd) {
	c.reconcileWaiters = append(c.reconcileWaiters, cmd.reply)
	if c.reconciling {
		// Joined the in-flight reconciliation.
		return
	}
	c.reconciling = true
	go func() {
		err := c.actions.ReconcileTasks(ctx)
		c.post(ctx, reconcileFinishedMsg{err: err})
	}()
}

// handleReconcileFinished clears the in-flight marker before replying, so a
// requester that reacts to its reply by asking again starts a fresh
// reconciliation instead of latching onto a stale one.
func (c *Core) handleReconcileFinished(msg reconcileFinishedMsg) {
	waiters := c.reconcileWaiters
	c.reconcileWaiters = nil
	c.reconciling = false
	metrics.Reconciliations.Inc()
	for _, waiter := range waiters {
		waiter <- commandFailed("reconcile", msg.err)
	}
}

func (c *Core) handleCancel(ctx context.Context, cmd cancelCmd) {
	done := c.manager.Cancel(ctx, cmd.planID, nil)
	go func() {
		select {
		case err := <-done:
			// The plan finishing with the cancellation cause is the expected
			// outcome; only an unknown id is an error to the caller.
			if errors.Is(err, deployment.ErrUnknownDeployment) {
				cmd.reply <- commandFailed("cancel", err)
				return
			}
			cmd.reply <- nil
		case <-ctx.Done():
			cmd.reply <- ctx.Err()
		}
	}()
}

func (c *Core) triggerHealthReconciliation(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)
	go func() {
		root, err := c.groups.Root(ctx)
		if err != nil {
			log.Error(err, "failed loading group root for health reconciliation")
			return
		}
		apps := lo.Filter(root.RunSpecs(), func(r *core.RunSpec, _ int) bool { return r.IsApplication() })
		if err := c.health.Reconcile(ctx, apps); err != nil {
			log.Error(err, "failed reconciling health checks")
		}
	}()
}

func (c *Core) post(ctx context.Context, msg command) {
	select {
	case c.self <- msg:
	case <-ctx.Done():
	}
}

// withLockFor acquires the locks iff none of the ids is currently held.
func (c *Core) withLockFor(ids sets.Set[core.RunSpecID]) bool {
	for id := range ids {
		if c.locks[id] > 0 {
			return false
		}
	}
	c.addLocks(ids)
	return true
}

// addLocks unconditionally increments every id's counter.
func (c *Core) addLocks(ids sets.Set[core.RunSpecID]) {
	for id := range ids {
		c.locks[id]++
	}
	metrics.LockTableSize.Set(float64(len(c.locks)))
}

func (c *Core) removeLocks(ids sets.Set[core.RunSpecID]) {
	for id := range ids {
		c.removeLock(id)
	}
}

// removeLock decrements; the entry is deleted at zero so absence and a zero
// count stay the same thing.
func (c *Core) removeLock(id core.RunSpecID) {
	if count, ok := c.locks[id]; ok {
		if count <= 1 {
			delete(c.locks, id)
		} else {
			c.locks[id] = count - 1
		}
	}
	metrics.LockTableSize.Set(float64(len(c.locks)))
}

// LockedRunSpecs exposes the current lock table keys, for observability and
// tests.
func (c *Core) LockedRunSpecs(ctx context.Context) []core.RunSpecID {
	reply := make(chan []core.RunSpecID, 1)
	select {
	case c.cmds <- locksSnapshotCmd{reply: reply}:
	case <-ctx.Done():
		return nil
	}
	select {
	case ids := <-reply:
		return ids
	case <-ctx.Done():
		return nil
	}
}

type locksSnapshotCmd struct {
	reply chan []core.RunSpecID
}
