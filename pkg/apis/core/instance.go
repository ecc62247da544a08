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

package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// InstanceID identifies one replica of a run spec. The id embeds the owning
// run spec id: "<runSpecID>.instance-<uuid>".
type InstanceID string

const instanceIDSeparator = ".instance-"

func NewInstanceID(runSpecID RunSpecID) InstanceID {
	return InstanceID(fmt.Sprintf("%s%s%s", runSpecID, instanceIDSeparator, uuid.NewString()))
}

func (id InstanceID) String() string { return string(id) }

// RunSpecID returns the id of the run spec this instance belongs to.
func (id InstanceID) RunSpecID() RunSpecID {
	if idx := strings.LastIndex(string(id), instanceIDSeparator); idx >= 0 {
		return RunSpecID(string(id)[:idx])
	}
	return RunSpecID(string(id))
}

// Condition is the observed execution state of an instance. Conditions are
// reported by the cluster; the core never writes them directly.
type Condition string

const (
	ConditionProvisioned Condition = "Provisioned"
	ConditionStaging     Condition = "Staging"
	ConditionStarting    Condition = "Starting"
	ConditionRunning     Condition = "Running"
	ConditionKilling     Condition = "Killing"
	ConditionKilled      Condition = "Killed"
	ConditionFinished    Condition = "Finished"
	ConditionFailed      Condition = "Failed"
	ConditionError       Condition = "Error"
	ConditionGone        Condition = "Gone"
	ConditionDropped     Condition = "Dropped"
	ConditionUnknown     Condition = "Unknown"
	ConditionUnreachable Condition = "Unreachable"
)

func (c Condition) IsTerminal() bool {
	switch c {
	case ConditionKilled, ConditionFinished, ConditionFailed, ConditionError,
		ConditionGone, ConditionDropped, ConditionUnknown:
		return true
	}
	return false
}

func (c Condition) IsActive() bool {
	switch c {
	case ConditionStaging, ConditionStarting, ConditionRunning, ConditionKilling, ConditionUnreachable:
		return true
	}
	return false
}

// Goal is the desired lifecycle target of an instance. Goals are sticky: once
// set, the tracker drives the instance toward the goal until it is replaced.
// Condition and goal are orthogonal; a terminal condition may occur under any
// goal.
type Goal string

const (
	GoalRunning        Goal = "Running"
	GoalStopped        Goal = "Stopped"
	GoalDecommissioned Goal = "Decommissioned"
)

// GoalReason annotates a goal change for events and logs.
type GoalReason string

const (
	ReasonDeploymentScaling  GoalReason = "DeploymentScaling"
	ReasonUpgrading          GoalReason = "Upgrading"
	ReasonDeletingApp        GoalReason = "DeletingApp"
	ReasonOverCapacity       GoalReason = "OverCapacity"
	ReasonOrphaned           GoalReason = "Orphaned"
	ReasonOverdueUnreachable GoalReason = "OverdueUnreachable"
	ReasonKillRequested      GoalReason = "KillRequested"
)

// TaskStatus is the cluster-reported status of a task, as last seen on the
// offer protocol. Absent until the cluster has acknowledged the task.
type TaskStatus struct {
	TaskID    string
	Condition Condition
	AgentID   string
	Timestamp time.Time
}

// Task is one executable unit of an instance. Applications have exactly one,
// pods one per container.
type Task struct {
	ID     string
	Status *TaskStatus
}

// IsTerminal reports whether the cluster considers the task finished for good.
func (t *Task) IsTerminal() bool {
	return t.Status != nil && t.Status.Condition.IsTerminal()
}

// Instance is one live (or formerly live) replica of a run spec.
type Instance struct {
	ID             InstanceID
	Condition      Condition
	Goal           Goal
	GoalReason     GoalReason
	HasReservation bool
	Tasks          map[string]*Task
	StartedAt      time.Time
	Version        time.Time
}

func (i *Instance) RunSpecID() RunSpecID { return i.ID.RunSpecID() }

// IsActive reports whether the instance still occupies cluster capacity.
func (i *Instance) IsActive() bool { return i.Condition.IsActive() }

// StartedBefore reports whether the instance predates the given run spec
// version, i.e. belongs to an older generation.
func (i *Instance) StartedBefore(version time.Time) bool {
	return i.Version.Before(version)
}

// IsScheduled reports whether the instance has been requested from the cluster
// but is not yet active.
func (i *Instance) IsScheduled() bool {
	return i.Condition == ConditionProvisioned && i.Goal == GoalRunning
}

// Copy returns a deep copy so tracker snapshots cannot be mutated by readers.
func (i *Instance) Copy() *Instance {
	out := *i
	out.Tasks = lo.MapValues(i.Tasks, func(t *Task, _ string) *Task {
		tc := *t
		if t.Status != nil {
			sc := *t.Status
			tc.Status = &sc
		}
		return &tc
	})
	return &out
}
