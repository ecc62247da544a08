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

package fake

import (
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/google/uuid"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

// RunSpecOption mutates a generated run spec.
type RunSpecOption func(*core.RunSpec)

func WithInstances(count int) RunSpecOption {
	return func(r *core.RunSpec) { r.Instances = count }
}

func WithCmd(cmd string) RunSpecOption {
	return func(r *core.RunSpec) { r.Config.Cmd = cmd }
}

func WithVersion(version time.Time) RunSpecOption {
	return func(r *core.RunSpec) { r.Version = version }
}

func WithKillSelection(selection core.KillSelection) RunSpecOption {
	return func(r *core.RunSpec) { r.KillSelection = selection }
}

func WithHealthChecks(checks ...core.HealthCheck) RunSpecOption {
	return func(r *core.RunSpec) { r.HealthChecks = checks }
}

// RunSpec generates an application run spec with sane defaults.
func RunSpec(id core.RunSpecID, opts ...RunSpecOption) *core.RunSpec {
	spec := &core.RunSpec{
		ID:            id,
		Kind:          core.KindApplication,
		Instances:     1,
		KillSelection: core.KillSelectionYoungestFirst,
		Version:       time.Unix(0, 0),
		Config:        core.Config{Cmd: "sleep 1000", Image: "busybox"},
	}
	for _, opt := range opts {
		opt(spec)
	}
	return spec
}

// InstanceOption mutates a generated instance.
type InstanceOption func(*core.Instance)

func WithCondition(condition core.Condition) InstanceOption {
	return func(i *core.Instance) { i.Condition = condition }
}

func WithGoal(goal core.Goal) InstanceOption {
	return func(i *core.Instance) { i.Goal = goal }
}

func WithStartedAt(startedAt time.Time) InstanceOption {
	return func(i *core.Instance) { i.StartedAt = startedAt }
}

func WithReservation() InstanceOption {
	return func(i *core.Instance) { i.HasReservation = true }
}

func WithID(id core.InstanceID) InstanceOption {
	return func(i *core.Instance) { i.ID = id }
}

// Instance generates a running instance of the spec's current version.
func Instance(spec *core.RunSpec, opts ...InstanceOption) *core.Instance {
	taskID := uuid.NewString()
	instance := &core.Instance{
		ID:        core.NewInstanceID(spec.ID),
		Condition: core.ConditionRunning,
		Goal:      core.GoalRunning,
		StartedAt: time.Unix(0, 0),
		Version:   spec.Version,
		Tasks: map[string]*core.Task{
			"main": {
				ID: taskID,
				Status: &core.TaskStatus{
					TaskID:    taskID,
					Condition: core.ConditionRunning,
					AgentID:   randomdata.Alphanumeric(8),
				},
			},
		},
	}
	for _, opt := range opts {
		opt(instance)
	}
	return instance
}

// Group builds a tree holding the given specs under the root.
func Group(specs ...*core.RunSpec) *core.Group {
	root := core.NewGroup(core.RootID)
	for _, spec := range specs {
		root.PutApp(spec)
	}
	return root
}
