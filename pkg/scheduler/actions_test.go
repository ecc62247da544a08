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

package scheduler_test

import (
	"sync"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/fake"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Actions", func() {
	var e *env

	BeforeEach(func() {
		e = newEnv()
	})
	AfterEach(func() {
		e.stop()
	})

	Describe("Scale", func() {
		It("should ignore run specs that left the group tree", func() {
			Expect(e.actions.Scale(ctx, "/gone")).To(Succeed())
			Expect(e.queue.AddCalls).To(BeEmpty())
			Expect(e.drv.KillCalls).To(BeEmpty())
		})
		It("should add the missing demand minus already scheduled instances", func() {
			app := fake.RunSpec("/app", fake.WithInstances(5))
			e.groups.SetRoot(fake.Group(app))
			e.tracker.Upsert(fake.Instance(app))
			e.tracker.Upsert(fake.Instance(app, fake.WithCondition(core.ConditionProvisioned)))

			Expect(e.actions.Scale(ctx, app.ID)).To(Succeed())
			// 5 desired - 1 running = 4 to start, minus 1 already scheduled.
			Expect(e.queue.Added(app.ID)).To(Equal(3))
		})
		It("should purge the queue and kill overcapacity with the overcapacity reason", func() {
			app := fake.RunSpec("/app", fake.WithInstances(1))
			e.groups.SetRoot(fake.Group(app))
			first := fake.Instance(app)
			second := fake.Instance(app)
			e.tracker.Upsert(first)
			e.tracker.Upsert(second)

			Expect(e.actions.Scale(ctx, app.ID)).To(Succeed())
			Expect(e.queue.PurgeCalls).To(ConsistOf(app.ID))
			Expect(e.drv.KillCalls).To(HaveLen(1))
			killed, _ := e.tracker.Get(ctx, e.drv.KillCalls[0])
			Expect(killed.GoalReason).To(Equal(core.ReasonOverCapacity))
			Expect(e.queue.AddCalls).To(BeEmpty())
		})
		It("should keep reservations by stopping instead of decommissioning", func() {
			app := fake.RunSpec("/app", fake.WithInstances(0))
			e.groups.SetRoot(fake.Group(app))
			reserved := fake.Instance(app, fake.WithReservation())
			e.tracker.Upsert(reserved)

			Expect(e.actions.Scale(ctx, app.ID)).To(Succeed())
			got, _ := e.tracker.Get(ctx, reserved.ID)
			Expect(got.Goal).To(Equal(core.GoalStopped))
		})
		It("should do nothing at the target count", func() {
			app := fake.RunSpec("/app", fake.WithInstances(1))
			e.groups.SetRoot(fake.Group(app))
			e.tracker.Upsert(fake.Instance(app))
			Expect(e.actions.Scale(ctx, app.ID)).To(Succeed())
			Expect(e.queue.AddCalls).To(BeEmpty())
			Expect(e.drv.KillCalls).To(BeEmpty())
		})
	})

	Describe("ReconcileTasks", func() {
		It("should decommission orphans and reply exactly once", func() {
			e.elect()
			orphan := fake.Instance(fake.RunSpec("/deleted-app"))
			e.tracker.Upsert(orphan)

			Expect(e.core.ReconcileTasks(ctx)).To(Succeed())
			got, _ := e.tracker.Get(ctx, orphan.ID)
			Expect(got.Goal).To(Equal(core.GoalDecommissioned))
			Expect(got.GoalReason).To(Equal(core.ReasonOrphaned))
			// No known non-terminal statuses: only the implicit call goes out.
			Expect(e.drv.ReconcileCalls).To(HaveLen(1))
			Expect(e.drv.ReconcileCalls[0]).To(BeEmpty())
		})
		It("should submit known non-terminal statuses followed by the implicit call", func() {
			e.elect()
			app := fake.RunSpec("/app", fake.WithInstances(1))
			e.groups.SetRoot(fake.Group(app))
			running := fake.Instance(app)
			terminal := fake.Instance(app, fake.WithCondition(core.ConditionFailed))
			for _, task := range terminal.Tasks {
				task.Status.Condition = core.ConditionFailed
			}
			e.tracker.Upsert(running)
			e.tracker.Upsert(terminal)

			Expect(e.core.ReconcileTasks(ctx)).To(Succeed())
			Expect(e.drv.ReconcileCalls).To(HaveLen(2))
			Expect(e.drv.ReconcileCalls[0]).To(HaveLen(1))
			Expect(e.drv.ReconcileCalls[0][0].Condition).To(Equal(core.ConditionRunning))
			Expect(e.drv.ReconcileCalls[1]).To(BeEmpty())
		})
		It("should collapse concurrent requests onto one in-flight reconciliation", func() {
			e.elect()
			e.drv.ReconcileBlock = make(chan struct{})

			var wg sync.WaitGroup
			errs := make([]error, 3)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					errs[i] = e.core.ReconcileTasks(ctx)
				}(i)
			}
			// Exactly one reconciliation is in flight; with no known statuses it
			// makes a single driver call.
			Eventually(func() int { return len(e.drv.ReconcileCalls) }, "5s").Should(Equal(1))
			close(e.drv.ReconcileBlock)
			wg.Wait()
			for _, err := range errs {
				Expect(err).ToNot(HaveOccurred())
			}
			Expect(e.drv.ReconcileCalls).To(HaveLen(1))

			// A fresh request after completion starts a new reconciliation.
			e.drv.ReconcileBlock = nil
			Expect(e.core.ReconcileTasks(ctx)).To(Succeed())
			Expect(e.drv.ReconcileCalls).To(HaveLen(2))
		})
	})
})
