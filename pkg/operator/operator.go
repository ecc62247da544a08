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

// Package operator wires the scheduling core together and runs it.
package operator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/convoy-sched/convoy/pkg/deployment"
	"github.com/convoy-sched/convoy/pkg/driver"
	"github.com/convoy-sched/convoy/pkg/events"
	"github.com/convoy-sched/convoy/pkg/health"
	"github.com/convoy-sched/convoy/pkg/launch"
	"github.com/convoy-sched/convoy/pkg/metrics"
	"github.com/convoy-sched/convoy/pkg/operator/options"
	"github.com/convoy-sched/convoy/pkg/scheduler"
	"github.com/convoy-sched/convoy/pkg/state"
	"github.com/convoy-sched/convoy/pkg/storage"
)

// LeadershipEvent is emitted by the election service on every transition.
type LeadershipEvent int

const (
	ElectedAsLeaderAndReady LeadershipEvent = iota
	Standby
)

// ElectionService announces leadership transitions for this process.
type ElectionService interface {
	Subscribe(ctx context.Context) <-chan LeadershipEvent
}

// StandaloneElection immediately and permanently elects this process. Used
// when running a single replica.
type StandaloneElection struct{}

func (StandaloneElection) Subscribe(_ context.Context) <-chan LeadershipEvent {
	ch := make(chan LeadershipEvent, 1)
	ch <- ElectedAsLeaderAndReady
	return ch
}

// Operator owns every component of the scheduling core and their lifetimes.
type Operator struct {
	Bus         *events.Bus
	Tracker     *state.InMemoryTracker
	Queue       *launch.DelayingQueue
	Health      *health.Registry
	Groups      *storage.InMemoryGroupRepository
	Deployments *storage.InMemoryDeploymentRepository
	Manager     *deployment.Manager
	Scheduler   *scheduler.Core
	Driver      driver.Driver
	Election    ElectionService
	Clock       clock.WithTicker
}

func NewOperator(drv driver.Driver, election ElectionService, clk clock.WithTicker) *Operator {
	bus := events.NewBus(events.WithDroppedFunc(metrics.EventsDropped.Inc))
	tracker := state.NewInMemoryTracker(state.WithKiller(drv))
	queue := launch.NewDelayingQueue(drv, tracker, clk)
	healthRegistry := health.NewRegistry()
	groups := storage.NewInMemoryGroupRepository()
	deployments := storage.NewInMemoryDeploymentRepository()
	manager := deployment.NewManager(deployment.Deps{
		Tracker:  tracker,
		Queue:    queue,
		Health:   healthRegistry,
		Recorder: bus,
		Clock:    clk,
	}, deployments)
	actions := scheduler.NewActions(tracker, queue, groups, drv)
	core := scheduler.NewCore(manager, actions, deployments, groups, healthRegistry, queue, bus)
	return &Operator{
		Bus:         bus,
		Tracker:     tracker,
		Queue:       queue,
		Health:      healthRegistry,
		Groups:      groups,
		Deployments: deployments,
		Manager:     manager,
		Scheduler:   core,
		Driver:      drv,
		Election:    election,
		Clock:       clk,
	}
}

// Start runs every worker and blocks until ctx is canceled.
func (o *Operator) Start(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)
	go o.Manager.Run(ctx)
	go o.Scheduler.Run(ctx)
	go o.watchElection(ctx)
	go o.logEvents(ctx)
	go o.reconcileLoop(ctx)
	go o.scaleLoop(ctx)
	go o.serveMetrics(ctx)
	go o.serveHealthProbe(ctx)
	log.Info("operator started", "service", options.FromContext(ctx).ServiceName)
	<-ctx.Done()
	return nil
}

func (o *Operator) watchElection(ctx context.Context) {
	for event := range o.Election.Subscribe(ctx) {
		switch event {
		case ElectedAsLeaderAndReady:
			o.Scheduler.ElectedAsLeaderAndReady(ctx)
		case Standby:
			o.Scheduler.Standby(ctx)
		}
	}
}

func (o *Operator) logEvents(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx).WithName("events")
	for event := range o.Bus.Subscribe() {
		log.V(1).Info(event.Message, "reason", event.Reason, "involved", event.InvolvedID)
	}
}

// reconcileLoop periodically cross-checks tracked instances with the cluster.
func (o *Operator) reconcileLoop(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)
	o.tick(ctx, options.FromContext(ctx).ReconcileInterval, func() {
		if err := o.Scheduler.ReconcileTasks(ctx); err != nil {
			log.Error(err, "periodic task reconciliation failed")
		}
	})
}

// scaleLoop periodically nudges every run spec toward its target count.
// Requests for locked run specs are dropped by the scheduler, so the sweep
// never interferes with deployments in flight.
func (o *Operator) scaleLoop(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)
	o.tick(ctx, options.FromContext(ctx).ScaleInterval, func() {
		root, err := o.Groups.Root(ctx)
		if err != nil {
			log.Error(err, "failed loading group root for scale sweep")
			return
		}
		for _, spec := range root.RunSpecs() {
			o.Scheduler.ScaleRunSpec(ctx, spec.ID)
		}
	})
}

func (o *Operator) tick(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := o.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			fn()
		}
	}
}

func (o *Operator) serveMetrics(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.NewRegistry(), promhttp.HandlerOpts{}))
	o.serve(ctx, log, fmt.Sprintf(":%d", options.FromContext(ctx).MetricsPort), mux)
}

func (o *Operator) serveHealthProbe(ctx context.Context) {
	log := logr.FromContextOrDiscard(ctx)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	o.serve(ctx, log, fmt.Sprintf(":%d", options.FromContext(ctx).HealthProbePort), mux)
}

func (o *Operator) serve(ctx context.Context, log logr.Logger, addr string, handler http.Handler) {
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error(err, "server exited", "addr", addr)
	}
}
