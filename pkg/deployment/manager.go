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
	"errors"
	"fmt"
	"sort"

	"github.com/awslabs/operatorpkg/serrors"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/events"
	"github.com/convoy-sched/convoy/pkg/metrics"
)

// Repository persists deployment plans so they survive leadership changes.
type Repository interface {
	All(ctx context.Context) ([]*Plan, error)
	Store(ctx context.Context, plan *Plan) error
	Delete(ctx context.Context, id string) error
}

type managerMsg interface{}

type startMsg struct {
	plan      *Plan
	force     bool
	recovered bool
	started   chan error
	done      chan error
}

type cancelMsg struct {
	id    string
	cause error
	reply chan error
}

type listMsg struct {
	reply chan []*Plan
}

type stepInfoMsg struct {
	plan  *Plan
	step  Step
	index int
}

type finishedMsg struct {
	plan *Plan
	err  error
}

type activeEntry struct {
	plan     *Plan
	exec     *executor
	affected sets.Set[core.RunSpecID]
	done     []chan error
}

type pendingStart struct {
	msg       startMsg
	waitingOn sets.Set[string]
}

// Manager tracks all in-flight plans. It is a single worker: every mutation of
// the active table happens on its Run goroutine, and executors talk back to it
// exclusively through its message channel.
type Manager struct {
	deps    Deps
	repo    Repository
	msgs    chan managerMsg
	active  map[string]*activeEntry
	pending []*pendingStart
}

func NewManager(deps Deps, repo Repository) *Manager {
	return &Manager{
		deps:   deps,
		repo:   repo,
		msgs:   make(chan managerMsg),
		active: map[string]*activeEntry{},
	}
}

// Start begins a new plan. The first returned promise resolves once the plan
// has been accepted (or rejected with AppLockedError); the second resolves
// when the deployment finishes, successfully or not.
func (m *Manager) Start(ctx context.Context, plan *Plan, force bool) (<-chan error, <-chan error) {
	return m.enqueueStart(ctx, startMsg{plan: plan, force: force, started: make(chan error, 1), done: make(chan error, 1)})
}

// StartRecovered re-starts a plan loaded from the repository after leadership
// acquisition, skipping the persistence write.
func (m *Manager) StartRecovered(ctx context.Context, plan *Plan) (<-chan error, <-chan error) {
	return m.enqueueStart(ctx, startMsg{plan: plan, recovered: true, started: make(chan error, 1), done: make(chan error, 1)})
}

func (m *Manager) enqueueStart(ctx context.Context, msg startMsg) (<-chan error, <-chan error) {
	select {
	case m.msgs <- msg:
	case <-ctx.Done():
		msg.started <- ctx.Err()
		msg.done <- ctx.Err()
	}
	return msg.started, msg.done
}

// Cancel aborts the in-flight plan with the given id. The promise resolves
// once the plan has fully finished.
func (m *Manager) Cancel(ctx context.Context, id string, cause error) <-chan error {
	if cause == nil {
		cause = fmt.Errorf("deployment %s canceled", id)
	}
	msg := cancelMsg{id: id, cause: cause, reply: make(chan error, 1)}
	select {
	case m.msgs <- msg:
	case <-ctx.Done():
		msg.reply <- ctx.Err()
	}
	return msg.reply
}

// List snapshots the active plans.
func (m *Manager) List(ctx context.Context) []*Plan {
	msg := listMsg{reply: make(chan []*Plan, 1)}
	select {
	case m.msgs <- msg:
		return <-msg.reply
	case <-ctx.Done():
		return nil
	}
}

// Run processes messages until ctx is canceled. Executors inherit ctx, so
// stopping the manager stops every in-flight plan.
func (m *Manager) Run(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx).WithName("deployer")
	ctx = logr.NewContext(ctx, log)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.msgs:
			switch msg := msg.(type) {
			case startMsg:
				m.handleStart(ctx, msg)
			case cancelMsg:
				m.handleCancel(ctx, msg)
			case listMsg:
				msg.reply <- m.snapshot()
			case stepInfoMsg:
				m.deps.Recorder.Publish(events.DeploymentStepInfoEvent(msg.plan.ID, msg.index, len(msg.plan.Steps)))
			case finishedMsg:
				m.handleFinished(ctx, msg)
			}
		}
	}
}

func (m *Manager) handleStart(ctx context.Context, msg startMsg) {
	conflicts := lo.Filter(lo.Values(m.active), func(entry *activeEntry, _ int) bool {
		return entry.affected.Intersection(msg.plan.AffectedRunSpecIDs()).Len() > 0
	})
	if len(conflicts) == 0 {
		m.accept(ctx, msg)
		return
	}
	conflictIDs := lo.Map(conflicts, func(e *activeEntry, _ int) string { return e.plan.ID })
	sort.Strings(conflictIDs)
	if !msg.force {
		err := &AppLockedError{PlanID: msg.plan.ID, Conflicts: conflictIDs}
		msg.started <- err
		msg.done <- err
		return
	}
	// Forced: preempt every conflicting plan and start once they are gone.
	logr.FromContextOrDiscard(ctx).Info("canceling conflicting deployments", "plan", msg.plan.ID, "conflicts", conflictIDs)
	for _, entry := range conflicts {
		entry.exec.Cancel(ErrSuperseded)
	}
	m.pending = append(m.pending, &pendingStart{msg: msg, waitingOn: sets.New(conflictIDs...)})
}

func (m *Manager) accept(ctx context.Context, msg startMsg) {
	if !msg.recovered {
		if err := m.repo.Store(ctx, msg.plan); err != nil {
			err = serrors.Wrap(fmt.Errorf("persisting plan, %w", err), "plan", msg.plan.ID)
			msg.started <- err
			msg.done <- err
			return
		}
	}
	entry := &activeEntry{
		plan:     msg.plan,
		exec:     newExecutor(msg.plan, m.deps, m.msgs),
		affected: msg.plan.AffectedRunSpecIDs(),
		done:     []chan error{msg.done},
	}
	m.active[msg.plan.ID] = entry
	go entry.exec.run(ctx)
	m.deps.Recorder.Publish(events.DeploymentStartedEvent(msg.plan.ID))
	metrics.DeploymentsStarted.Inc()
	metrics.ActiveDeployments.Set(float64(len(m.active)))
	msg.started <- nil
}

func (m *Manager) handleCancel(_ context.Context, msg cancelMsg) {
	entry, ok := m.active[msg.id]
	if !ok {
		msg.reply <- serrors.Wrap(fmt.Errorf("canceling deployment, %w", ErrUnknownDeployment), "plan", msg.id)
		return
	}
	entry.done = append(entry.done, msg.reply)
	entry.exec.Cancel(msg.cause)
}

func (m *Manager) handleFinished(ctx context.Context, msg finishedMsg) {
	log := logr.FromContextOrDiscard(ctx)
	entry, ok := m.active[msg.plan.ID]
	if !ok {
		return
	}
	if err := m.repo.Delete(ctx, msg.plan.ID); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(err, "failed deleting plan from repository", "plan", msg.plan.ID)
	}
	delete(m.active, msg.plan.ID)
	metrics.ActiveDeployments.Set(float64(len(m.active)))
	if msg.err != nil {
		metrics.DeploymentsFailed.Inc()
	}
	for _, done := range entry.done {
		done <- msg.err
	}

	// Unblock forced starts that were waiting for this plan to drain.
	// handleStart may re-queue a start that hits fresh conflicts, so the
	// pending list is rebuilt rather than filtered in place.
	pending := m.pending
	m.pending = nil
	for _, p := range pending {
		p.waitingOn.Delete(msg.plan.ID)
		if p.waitingOn.Len() > 0 {
			m.pending = append(m.pending, p)
			continue
		}
		m.handleStart(ctx, p.msg)
	}
}

func (m *Manager) snapshot() []*Plan {
	plans := lo.Map(lo.Values(m.active), func(e *activeEntry, _ int) *Plan { return e.plan })
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans
}
