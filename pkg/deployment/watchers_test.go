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

package deployment_test

import (
	"context"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/deployment"
	"github.com/convoy-sched/convoy/pkg/fake"
	"github.com/convoy-sched/convoy/pkg/state"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Watchers", func() {
	var tracker *state.InMemoryTracker
	var spec *core.RunSpec

	BeforeEach(func() {
		tracker = state.NewInMemoryTracker()
		spec = fake.RunSpec("/test/app")
	})

	subscribe := func() *state.Subscription {
		sub, err := tracker.Updates(ctx)
		Expect(err).ToNot(HaveOccurred())
		return sub
	}

	terminal := func(instance *core.Instance) {
		next := instance.Copy()
		next.Condition = core.ConditionKilled
		tracker.Upsert(next)
	}

	Describe("WatchForKilledInstances", func() {
		It("should complete immediately when nothing is expected", func() {
			watcher := deployment.WatchForKilledInstances(ctx, subscribe(), nil)
			Eventually(watcher.Done()).Should(BeClosed())
		})
		It("should complete once every expected instance is terminal", func() {
			first := fake.Instance(spec)
			second := fake.Instance(spec)
			tracker.Upsert(first)
			tracker.Upsert(second)

			watcher := deployment.WatchForKilledInstances(ctx, subscribe(), []*core.Instance{first, second})
			Consistently(watcher.Done()).ShouldNot(BeClosed())

			terminal(first)
			Consistently(watcher.Done()).ShouldNot(BeClosed())
			terminal(second)
			Eventually(watcher.Done()).Should(BeClosed())
		})
		It("should treat instances missing from the snapshot as already gone", func() {
			ghost := fake.Instance(spec)
			watcher := deployment.WatchForKilledInstances(ctx, subscribe(), []*core.Instance{ghost})
			Eventually(watcher.Done()).Should(BeClosed())
		})
		It("should treat forgotten instances as killed", func() {
			instance := fake.Instance(spec)
			tracker.Upsert(instance)
			watcher := deployment.WatchForKilledInstances(ctx, subscribe(), []*core.Instance{instance})
			tracker.Forget(instance.ID)
			Eventually(watcher.Done()).Should(BeClosed())
		})
		It("should not miss kills that happen between subscription and watching", func() {
			instance := fake.Instance(spec)
			tracker.Upsert(instance)
			sub := subscribe()
			// The terminal transition races the watcher construction; the
			// snapshot-first contract absorbs it.
			terminal(instance)
			watcher := deployment.WatchForKilledInstances(ctx, sub, []*core.Instance{instance})
			Eventually(watcher.Done()).Should(BeClosed())
		})
		It("should detach cleanly on cancellation", func() {
			instance := fake.Instance(spec)
			tracker.Upsert(instance)
			watchCtx, cancel := context.WithCancel(ctx)
			watcher := deployment.WatchForKilledInstances(watchCtx, subscribe(), []*core.Instance{instance})
			cancel()
			terminal(instance)
			Consistently(watcher.Done()).ShouldNot(BeClosed())
		})
	})

	Describe("WatchForDecommissionedInstances", func() {
		It("should require both the decommissioned goal and a terminal condition", func() {
			instance := fake.Instance(spec)
			tracker.Upsert(instance)
			watcher := deployment.WatchForDecommissionedInstances(ctx, subscribe(), []core.InstanceID{instance.ID})

			terminal(instance)
			Consistently(watcher.Done()).ShouldNot(BeClosed())

			Expect(tracker.SetGoal(ctx, instance.ID, core.GoalDecommissioned, core.ReasonDeletingApp)).To(Succeed())
			Eventually(watcher.Done()).Should(BeClosed())
		})
		It("should complete for instances absent from the tracker", func() {
			watcher := deployment.WatchForDecommissionedInstances(ctx, subscribe(), []core.InstanceID{"/test/app.instance-gone"})
			Eventually(watcher.Done()).Should(BeClosed())
		})
	})
})
