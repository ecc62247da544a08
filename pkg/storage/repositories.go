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

// Package storage holds the repositories behind the scheduling core: the group
// tree the fleet should converge to and the deployment plans that survive
// leadership changes.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/deployment"
)

// GroupRepository serves the root of the desired group tree.
type GroupRepository interface {
	Root(ctx context.Context) (*core.Group, error)
}

// InMemoryGroupRepository stores the root group in process memory. Reads
// return copies so callers can never mutate the stored tree.
type InMemoryGroupRepository struct {
	mu   sync.Mutex
	root *core.Group
}

func NewInMemoryGroupRepository() *InMemoryGroupRepository {
	return &InMemoryGroupRepository{root: core.NewGroup(core.RootID)}
}

func (r *InMemoryGroupRepository) Root(_ context.Context) (*core.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root.Copy(), nil
}

// SetRoot replaces the stored tree, typically right before deploying the plan
// that converges the cluster to it.
func (r *InMemoryGroupRepository) SetRoot(root *core.Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.root = root.Copy()
}

// InMemoryDeploymentRepository keeps active plans keyed by id.
type InMemoryDeploymentRepository struct {
	mu    sync.Mutex
	plans map[string]*deployment.Plan
}

func NewInMemoryDeploymentRepository() *InMemoryDeploymentRepository {
	return &InMemoryDeploymentRepository{plans: map[string]*deployment.Plan{}}
}

func (r *InMemoryDeploymentRepository) All(_ context.Context) ([]*deployment.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plans := lo.Values(r.plans)
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return plans, nil
}

func (r *InMemoryDeploymentRepository) Store(_ context.Context, plan *deployment.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[plan.ID] = plan
	return nil
}

func (r *InMemoryDeploymentRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plans, id)
	return nil
}
