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
	"context"
	"sync"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

type AddCall struct {
	Spec  *core.RunSpec
	Count int
}

// LaunchQueue records every call and optionally simulates the launch path
// through OnAdd.
type LaunchQueue struct {
	mu sync.Mutex

	AddCalls        []AddCall
	PurgeCalls      []core.RunSpecID
	ResetDelayCalls []core.RunSpecID

	NextAddErr   error
	NextPurgeErr error

	// OnAdd, when set, is invoked synchronously for every Add, typically to
	// feed running instances into a tracker.
	OnAdd func(spec *core.RunSpec, count int)
}

func NewLaunchQueue() *LaunchQueue {
	return &LaunchQueue{}
}

// SetOnAdd swaps the add hook while the queue may be in use.
func (q *LaunchQueue) SetOnAdd(f func(spec *core.RunSpec, count int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.OnAdd = f
}

func (q *LaunchQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.AddCalls = nil
	q.PurgeCalls = nil
	q.ResetDelayCalls = nil
	q.NextAddErr = nil
	q.NextPurgeErr = nil
	q.OnAdd = nil
}

func (q *LaunchQueue) Add(_ context.Context, spec *core.RunSpec, count int) error {
	q.mu.Lock()
	q.AddCalls = append(q.AddCalls, AddCall{Spec: spec, Count: count})
	err := q.NextAddErr
	q.NextAddErr = nil
	onAdd := q.OnAdd
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if onAdd != nil {
		onAdd(spec, count)
	}
	return nil
}

func (q *LaunchQueue) Purge(_ context.Context, id core.RunSpecID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.PurgeCalls = append(q.PurgeCalls, id)
	err := q.NextPurgeErr
	q.NextPurgeErr = nil
	return err
}

func (q *LaunchQueue) ResetDelay(_ context.Context, spec *core.RunSpec) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ResetDelayCalls = append(q.ResetDelayCalls, spec.ID)
	return nil
}

// Added returns the total count requested for a run spec across all calls.
func (q *LaunchQueue) Added(id core.RunSpecID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, call := range q.AddCalls {
		if call.Spec.ID == id {
			total += call.Count
		}
	}
	return total
}
