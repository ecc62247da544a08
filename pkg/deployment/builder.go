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
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

// BuildOption customizes plan construction.
type BuildOption func(*buildOptions)

type buildOptions struct {
	toKill  map[core.RunSpecID][]*core.Instance
	version time.Time
	id      string
}

// WithToKill pins specific instances to kill while scaling down.
func WithToKill(toKill map[core.RunSpecID][]*core.Instance) BuildOption {
	return func(o *buildOptions) { o.toKill = toKill }
}

// WithVersion sets the plan's version timestamp; defaults to the target
// group's version.
func WithVersion(version time.Time) BuildOption {
	return func(o *buildOptions) { o.version = version }
}

// WithID fixes the plan id; defaults to a random uuid.
func WithID(id string) BuildOption {
	return func(o *buildOptions) { o.id = id }
}

// NewPlan diffs the original group tree against the target and produces the
// ordered steps that converge the live state:
//
//  1. stop run specs absent from the target
//  2. register run specs new in the target
//  3. restart run specs whose configuration changed, or whose version
//     changed while the instance count stayed the same
//  4. scale run specs whose target instance count differs (including the
//     freshly registered ones, from zero); a version change that comes with
//     a count change but no configuration change is scaled, not restarted
//
// Steps with no actions are omitted. Within each step every action targets a
// distinct run spec.
func NewPlan(original, target *core.Group, opts ...BuildOption) *Plan {
	o := buildOptions{version: target.Version, id: uuid.NewString()}
	for _, opt := range opts {
		opt(&o)
	}

	originalSpecs := lo.KeyBy(original.RunSpecs(), func(r *core.RunSpec) core.RunSpecID { return r.ID })
	targetSpecs := lo.KeyBy(target.RunSpecs(), func(r *core.RunSpec) core.RunSpecID { return r.ID })

	var stops, starts, restarts, scales []Action
	for _, spec := range original.RunSpecs() {
		if _, ok := targetSpecs[spec.ID]; !ok {
			stops = append(stops, StopApplication{Spec: spec.WithInstances(0)})
		}
	}
	for _, spec := range target.RunSpecs() {
		prior, existed := originalSpecs[spec.ID]
		switch {
		case !existed:
			starts = append(starts, StartApplication{Spec: spec.WithInstances(0)})
			scales = append(scales, ScaleApplication{Spec: spec, ScaleTo: spec.Instances, ToKill: o.toKill[spec.ID]})
		case prior.IsUpgrade(spec):
			restarts = append(restarts, RestartApplication{Spec: spec})
		case prior.Instances != spec.Instances:
			scales = append(scales, ScaleApplication{Spec: spec, ScaleTo: spec.Instances, ToKill: o.toKill[spec.ID]})
		case !prior.Version.Equal(spec.Version):
			// A bumped version with identical structure and count is an
			// explicit restart request.
			restarts = append(restarts, RestartApplication{Spec: spec})
		}
	}

	steps := lo.FilterMap([][]Action{stops, starts, restarts, scales}, func(actions []Action, _ int) (Step, bool) {
		return Step{Actions: actions}, len(actions) > 0
	})
	return &Plan{
		ID:       o.id,
		Original: original.Copy(),
		Target:   target.Copy(),
		Steps:    steps,
		Version:  o.version,
		ToKill:   o.toKill,
	}
}
