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

// Package deployment computes and executes deployment plans: the ordered
// sequence of scaling, restart, start and stop actions that move the cluster
// from one group tree to another.
package deployment

import (
	"fmt"
	"time"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

// Action is one unit of work inside a deployment step. Actions inside one step
// are mutually independent and execute concurrently.
type Action interface {
	Run() *core.RunSpec
	Name() string
}

// StartApplication registers a new run spec. Instances are brought up by a
// later scale action; starting itself changes nothing on the cluster.
type StartApplication struct {
	Spec *core.RunSpec
}

func (a StartApplication) Run() *core.RunSpec { return a.Spec }
func (a StartApplication) Name() string       { return "start" }

// ScaleApplication drives the run spec to ScaleTo instances. ToKill pins
// specific instances that must be among the victims when scaling down.
type ScaleApplication struct {
	Spec    *core.RunSpec
	ScaleTo int
	ToKill  []*core.Instance
}

func (a ScaleApplication) Run() *core.RunSpec { return a.Spec }
func (a ScaleApplication) Name() string       { return "scale" }

// RestartApplication replaces every instance of the run spec with instances of
// its current version.
type RestartApplication struct {
	Spec *core.RunSpec
}

func (a RestartApplication) Run() *core.RunSpec { return a.Spec }
func (a RestartApplication) Name() string       { return "restart" }

// StopApplication decommissions every instance of the run spec and cleans up
// its ancillary state.
type StopApplication struct {
	Spec *core.RunSpec
}

func (a StopApplication) Run() *core.RunSpec { return a.Spec }
func (a StopApplication) Name() string       { return "stop" }

// Step is an ordered position in the plan holding independent actions. No two
// actions of one step may target the same run spec.
type Step struct {
	Actions []Action
}

// Plan is the immutable description of one deployment.
type Plan struct {
	ID       string
	Original *core.Group
	Target   *core.Group
	Steps    []Step
	Version  time.Time
	ToKill   map[core.RunSpecID][]*core.Instance
}

// AffectedRunSpecIDs is the union of run spec ids referenced by any action.
func (p *Plan) AffectedRunSpecIDs() sets.Set[core.RunSpecID] {
	affected := sets.New[core.RunSpecID]()
	for _, step := range p.Steps {
		for _, action := range step.Actions {
			affected.Insert(action.Run().ID)
		}
	}
	return affected
}

// Conflicts reports whether two plans touch a common run spec.
func (p *Plan) Conflicts(other *Plan) bool {
	return p.AffectedRunSpecIDs().Intersection(other.AffectedRunSpecIDs()).Len() > 0
}

func (p *Plan) String() string {
	return fmt.Sprintf("plan %s (%d steps, affecting %v)", p.ID, len(p.Steps), sets.List(p.AffectedRunSpecIDs()))
}

// StepsWithActions drops empty steps; the executor completes those
// immediately, so most callers never want to see them.
func (p *Plan) StepsWithActions() []Step {
	return lo.Filter(p.Steps, func(s Step, _ int) bool { return len(s.Actions) > 0 })
}
