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

package health

import (
	"context"
	"sync"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

// Manager registers and deregisters health checks. Only applications carry
// checks; Registry.AddAllFor is a no-op for pods.
type Manager interface {
	AddAllFor(ctx context.Context, app *core.RunSpec) error
	RemoveAllFor(ctx context.Context, id core.RunSpecID) error
	RemoveAll(ctx context.Context) error
	// Reconcile replaces the registered set with exactly the checks of the
	// given applications.
	Reconcile(ctx context.Context, apps []*core.RunSpec) error
}

// Registry is an in-memory Manager. It only records the registered checks;
// it does not execute them.
type Registry struct {
	mu     sync.Mutex
	checks map[core.RunSpecID][]core.HealthCheck
}

func NewRegistry() *Registry {
	return &Registry{checks: map[core.RunSpecID][]core.HealthCheck{}}
}

func (r *Registry) AddAllFor(_ context.Context, app *core.RunSpec) error {
	if !app.IsApplication() || len(app.HealthChecks) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[app.ID] = append([]core.HealthCheck{}, app.HealthChecks...)
	return nil
}

func (r *Registry) RemoveAllFor(_ context.Context, id core.RunSpecID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checks, id)
	return nil
}

func (r *Registry) RemoveAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = map[core.RunSpecID][]core.HealthCheck{}
	return nil
}

func (r *Registry) Reconcile(ctx context.Context, apps []*core.RunSpec) error {
	keep := sets.New(lo.FilterMap(apps, func(a *core.RunSpec, _ int) (core.RunSpecID, bool) {
		return a.ID, a.IsApplication() && len(a.HealthChecks) > 0
	})...)
	r.mu.Lock()
	for id := range r.checks {
		if !keep.Has(id) {
			delete(r.checks, id)
		}
	}
	r.mu.Unlock()
	for _, app := range apps {
		if err := r.AddAllFor(ctx, app); err != nil {
			return err
		}
	}
	return nil
}

// ChecksFor exposes the registered checks, for readers of the registry and tests.
func (r *Registry) ChecksFor(id core.RunSpecID) []core.HealthCheck {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.HealthCheck{}, r.checks[id]...)
}

// RegisteredIDs returns the run specs that currently carry checks.
func (r *Registry) RegisteredIDs() []core.RunSpecID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := lo.Keys(r.checks)
	return ids
}
