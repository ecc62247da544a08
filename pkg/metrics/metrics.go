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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const Namespace = "convoy"

var (
	DeploymentsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "deployments",
		Name:      "started_total",
		Help:      "Number of deployment plans accepted for execution.",
	})
	DeploymentsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "deployments",
		Name:      "failed_total",
		Help:      "Number of deployment plans that finished with a failure.",
	})
	ActiveDeployments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "deployments",
		Name:      "active",
		Help:      "Number of deployment plans currently executing.",
	})
	LockTableSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "locked_run_specs",
		Help:      "Number of run specs currently holding at least one lock.",
	})
	Reconciliations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "reconciliations_total",
		Help:      "Number of task reconciliations driven against the cluster.",
	})
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Number of bus events dropped because a subscriber was too slow.",
	})
)

// NewRegistry returns a registry with every collector of the scheduling core
// plus the standard process and Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		DeploymentsStarted,
		DeploymentsFailed,
		ActiveDeployments,
		LockTableSize,
		Reconciliations,
		EventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}
