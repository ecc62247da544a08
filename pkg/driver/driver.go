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

// Package driver abstracts the low-level client that speaks the cluster's
// resource-offer protocol. The scheduling core only consumes this interface;
// concrete drivers live outside the core.
package driver

import (
	"context"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

// Driver is the cluster-facing side of the orchestrator.
type Driver interface {
	// ReconcileTasks asks the cluster to re-announce the status of the given
	// tasks. An empty list solicits implicit statuses for tasks the caller
	// does not know about.
	ReconcileTasks(ctx context.Context, statuses []core.TaskStatus) error
	// Kill asynchronously terminates the instance on the cluster. Progress is
	// observed through the instance update feed, not through the return value.
	Kill(ctx context.Context, id core.InstanceID) error
	// Launch requests count new instances of the given run spec. The returned
	// instances are provisioned, not yet running.
	Launch(ctx context.Context, spec *core.RunSpec, count int) ([]*core.Instance, error)
}
