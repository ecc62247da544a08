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

package events

import (
	"fmt"
	"strconv"
	"time"

	"k8s.io/client-go/util/flowcontrol"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

const (
	TypeNormal  = "Normal"
	TypeWarning = "Warning"
)

// stepProgressLimiter bounds the per-step progress chatter of long plans so a
// deployment walking hundreds of steps cannot flood subscribers. Terminal
// deployment events are never rate limited.
var stepProgressLimiter = flowcontrol.NewTokenBucketRateLimiter(10, 100)

// Event is one entry on the process-wide bus. InvolvedID names the plan or run
// spec the event is about; Payload carries the typed body for consumers that
// need more than the message.
type Event struct {
	Type          string
	Reason        string
	InvolvedID    string
	Message       string
	Payload       any
	DedupeValues  []string
	DedupeTimeout time.Duration
	RateLimiter   flowcontrol.RateLimiter
}

// Typed payloads for the deployment lifecycle. Consumers type-switch on these.
type (
	DeploymentStarted struct {
		PlanID string
	}
	DeploymentStepInfo struct {
		PlanID    string
		StepIndex int // 1-based
		StepCount int
	}
	DeploymentStatus struct {
		PlanID    string
		StepIndex int
	}
	DeploymentStepSuccess struct {
		PlanID    string
		StepIndex int
	}
	DeploymentStepFailure struct {
		PlanID    string
		StepIndex int
	}
	DeploymentSuccess struct {
		PlanID string
	}
	DeploymentFailed struct {
		PlanID string
		Reason string
	}
	AppTerminated struct {
		RunSpecID core.RunSpecID
	}
	UpgradeEvent struct {
		RunSpecID core.RunSpecID
	}
)

func DeploymentStartedEvent(planID string) Event {
	return Event{
		Type:       TypeNormal,
		Reason:     "DeploymentStarted",
		InvolvedID: planID,
		Message:    fmt.Sprintf("deployment %s started", planID),
		Payload:    DeploymentStarted{PlanID: planID},
	}
}

func DeploymentStepInfoEvent(planID string, stepIndex, stepCount int) Event {
	return Event{
		Type:         TypeNormal,
		Reason:       "DeploymentStepInfo",
		InvolvedID:   planID,
		Message:      fmt.Sprintf("deployment %s entering step %d/%d", planID, stepIndex, stepCount),
		Payload:      DeploymentStepInfo{PlanID: planID, StepIndex: stepIndex, StepCount: stepCount},
		DedupeValues: []string{planID, strconv.Itoa(stepIndex)},
		RateLimiter:  stepProgressLimiter,
	}
}

func DeploymentStatusEvent(planID string, stepIndex int) Event {
	return Event{
		Type:         TypeNormal,
		Reason:       "DeploymentStatus",
		InvolvedID:   planID,
		Message:      fmt.Sprintf("deployment %s executing step %d", planID, stepIndex),
		Payload:      DeploymentStatus{PlanID: planID, StepIndex: stepIndex},
		DedupeValues: []string{planID, strconv.Itoa(stepIndex)},
		RateLimiter:  stepProgressLimiter,
	}
}

func DeploymentStepSuccessEvent(planID string, stepIndex int) Event {
	return Event{
		Type:       TypeNormal,
		Reason:     "DeploymentStepSuccess",
		InvolvedID: planID,
		Message:    fmt.Sprintf("deployment %s finished step %d", planID, stepIndex),
		Payload:    DeploymentStepSuccess{PlanID: planID, StepIndex: stepIndex},
	}
}

func DeploymentStepFailureEvent(planID string, stepIndex int) Event {
	return Event{
		Type:       TypeWarning,
		Reason:     "DeploymentStepFailure",
		InvolvedID: planID,
		Message:    fmt.Sprintf("deployment %s failed step %d", planID, stepIndex),
		Payload:    DeploymentStepFailure{PlanID: planID, StepIndex: stepIndex},
	}
}

func DeploymentSuccessEvent(planID string) Event {
	return Event{
		Type:       TypeNormal,
		Reason:     "DeploymentSuccess",
		InvolvedID: planID,
		Message:    fmt.Sprintf("deployment %s succeeded", planID),
		Payload:    DeploymentSuccess{PlanID: planID},
	}
}

func DeploymentFailedEvent(planID string, reason string) Event {
	return Event{
		Type:       TypeWarning,
		Reason:     "DeploymentFailed",
		InvolvedID: planID,
		Message:    fmt.Sprintf("deployment %s failed: %s", planID, reason),
		Payload:    DeploymentFailed{PlanID: planID, Reason: reason},
	}
}

func AppTerminatedEvent(id core.RunSpecID) Event {
	return Event{
		Type:       TypeNormal,
		Reason:     "AppTerminated",
		InvolvedID: id.String(),
		Message:    fmt.Sprintf("%s has been terminated", id),
		Payload:    AppTerminated{RunSpecID: id},
	}
}

func UpgradeEventFor(id core.RunSpecID) Event {
	return Event{
		Type:       TypeNormal,
		Reason:     "Upgrade",
		InvolvedID: id.String(),
		Message:    fmt.Sprintf("%s is being upgraded", id),
		Payload:    UpgradeEvent{RunSpecID: id},
	}
}
