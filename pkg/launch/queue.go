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

// Package launch owns the path that turns scaling decisions into instance
// launch requests against the cluster, applying a per-run-spec back-off delay
// so crash-looping workloads don't starve the rest of the fleet.
package launch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/awslabs/operatorpkg/serrors"
	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/driver"
)

// Queue accepts launch demand for run specs.
type Queue interface {
	// Add requests count additional instances of the spec.
	Add(ctx context.Context, spec *core.RunSpec, count int) error
	// Purge drops all pending demand for the run spec.
	Purge(ctx context.Context, id core.RunSpecID) error
	// ResetDelay clears the spec's accumulated launch back-off.
	ResetDelay(ctx context.Context, spec *core.RunSpec) error
}

const (
	minLaunchDelay = 1 * time.Second
	maxLaunchDelay = 5 * time.Minute
)

type delayEntry struct {
	current time.Duration
}

// InstanceSink receives instances the queue has launched. Satisfied by the
// in-memory tracker.
type InstanceSink interface {
	Upsert(instance *core.Instance)
}

// DelayingQueue launches through the cluster driver after the spec's current
// back-off delay has elapsed. Delays double per launch wave and decay by TTL
// expiry once a spec stops launching.
type DelayingQueue struct {
	driver  driver.Driver
	tracker InstanceSink
	clk     clock.Clock

	mu      sync.Mutex
	delays  *cache.Cache
	pending map[core.RunSpecID][]context.CancelFunc
}

func NewDelayingQueue(drv driver.Driver, tracker InstanceSink, clk clock.Clock) *DelayingQueue {
	return &DelayingQueue{
		driver:  drv,
		tracker: tracker,
		clk:     clk,
		delays:  cache.New(maxLaunchDelay, time.Minute),
		pending: map[core.RunSpecID][]context.CancelFunc{},
	}
}

func (q *DelayingQueue) Add(ctx context.Context, spec *core.RunSpec, count int) error {
	if count <= 0 {
		return serrors.Wrap(fmt.Errorf("launch count must be positive"), "run-spec", spec.ID, "count", count)
	}
	delay := q.nextDelay(spec.ID)
	launchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.mu.Lock()
	q.pending[spec.ID] = append(q.pending[spec.ID], cancel)
	q.mu.Unlock()

	go q.launchAfter(launchCtx, spec, count, delay)
	return nil
}

func (q *DelayingQueue) launchAfter(ctx context.Context, spec *core.RunSpec, count int, delay time.Duration) {
	log := logr.FromContextOrDiscard(ctx).WithName("launchqueue")
	if delay > 0 {
		timer := q.clk.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C():
		}
	}
	if ctx.Err() != nil {
		return
	}
	instances, err := q.driver.Launch(ctx, spec, count)
	if err != nil {
		log.Error(err, "failed launching instances", "run-spec", spec.ID, "count", count)
		return
	}
	for _, instance := range instances {
		q.tracker.Upsert(instance)
	}
	log.V(1).Info("requested instances", "run-spec", spec.ID, "count", count, "delay", delay)
}

func (q *DelayingQueue) Purge(_ context.Context, id core.RunSpecID) error {
	q.mu.Lock()
	cancels := q.pending[id]
	delete(q.pending, id)
	q.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

func (q *DelayingQueue) ResetDelay(_ context.Context, spec *core.RunSpec) error {
	q.delays.Delete(spec.ID.String())
	return nil
}

// nextDelay returns the delay to apply to this launch wave and doubles the
// stored delay for the next one.
func (q *DelayingQueue) nextDelay(id core.RunSpecID) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.delays.Get(id.String())
	if !ok {
		q.delays.SetDefault(id.String(), &delayEntry{current: minLaunchDelay})
		return 0
	}
	e := entry.(*delayEntry)
	delay := e.current
	e.current = min(e.current*2, maxLaunchDelay)
	q.delays.SetDefault(id.String(), e)
	return delay
}
