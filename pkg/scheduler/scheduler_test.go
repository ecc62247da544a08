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
	"time"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/deployment"
	"github.com/convoy-sched/convoy/pkg/events"
	"github.com/convoy-sched/convoy/pkg/fake"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Core", func() {
	var e *env

	BeforeEach(func() {
		e = newEnv()
	})
	AfterEach(func() {
		e.stop()
	})

	awaitEvent := func(sub <-chan events.Event, reason string) events.Event {
		var got events.Event
		EventuallyWithOffset(1, func() bool {
			for {
				select {
				case event := <-sub:
					if event.Reason == reason {
						got = event
						return true
					}
				default:
					return false
				}
			}
		}, "10s").Should(BeTrue(), "expected a %s event", reason)
		return got
	}

	Describe("lifecycle", func() {
		It("should buffer commands while suspended and drain them after election", func() {
			app := fake.RunSpec("/app", fake.WithInstances(1))
			plan := deployment.NewPlan(fake.Group(), fake.Group(app))

			done := make(chan error, 1)
			go func() {
				done <- e.core.Deploy(ctx, plan, false)
			}()
			Consistently(done).ShouldNot(Receive())

			e.core.ElectedAsLeaderAndReady(ctx)
			Eventually(done, "10s").Should(Receive(BeNil()))
		})
		It("should recover persisted plans on election", func() {
			app := fake.RunSpec("/app", fake.WithInstances(1))
			plan := deployment.NewPlan(fake.Group(), fake.Group(app))
			Expect(e.repo.Store(ctx, plan)).To(Succeed())

			sub := e.bus.Subscribe()
			e.elect()
			Eventually(func() []*deployment.Plan {
				plans, _ := e.repo.All(ctx)
				return plans
			}, "10s").Should(BeEmpty())
			awaitEvent(sub, "DeploymentSuccess")
			// The repository was drained by completion, not re-persisted.
			Expect(e.core.ListDeployments(ctx)).To(BeEmpty())
		})
		It("should clear locks and health checks on standby", func() {
			e.elect()
			app := fake.RunSpec("/app", fake.WithInstances(1), fake.WithHealthChecks(core.HealthCheck{Path: "/ping", Port: 80}))
			e.queue.SetOnAdd(nil)
			plan := deployment.NewPlan(fake.Group(), fake.Group(app))
			Expect(e.core.Deploy(ctx, plan, false)).To(Succeed())
			Eventually(func() []core.RunSpecID { return e.core.LockedRunSpecs(ctx) }).Should(ConsistOf(app.ID))

			e.core.Standby(ctx)
			Eventually(func() []core.RunSpecID { return e.core.LockedRunSpecs(ctx) }).Should(BeEmpty())
			Eventually(func() []core.RunSpecID { return e.health.RegisteredIDs() }).Should(BeEmpty())
		})
	})

	Describe("deploy locking", func() {
		BeforeEach(func() {
			e.elect()
		})

		It("should hold locks for the lifetime of a deployment", func() {
			app := fake.RunSpec("/app", fake.WithInstances(1))
			e.queue.SetOnAdd(nil)
			plan := deployment.NewPlan(fake.Group(), fake.Group(app))
			Expect(e.core.Deploy(ctx, plan, false)).To(Succeed())
			Eventually(func() []core.RunSpecID { return e.core.LockedRunSpecs(ctx) }).Should(ConsistOf(app.ID))

			sub := e.bus.Subscribe()
			Expect(e.core.CancelDeployment(ctx, plan.ID)).To(Succeed())
			Eventually(func() []core.RunSpecID { return e.core.LockedRunSpecs(ctx) }, "10s").Should(BeEmpty())
			awaitEvent(sub, "DeploymentFailed")
		})
		It("should reject a conflicting non-forced deploy and release its provisional locks", func() {
			app := fake.RunSpec("/foo/app1", fake.WithInstances(1))
			e.queue.SetOnAdd(nil)
			first := deployment.NewPlan(fake.Group(), fake.Group(app))
			Expect(e.core.Deploy(ctx, first, false)).To(Succeed())

			second := deployment.NewPlan(fake.Group(app), fake.Group(app.WithInstances(3)))
			err := e.core.Deploy(ctx, second, false)
			Expect(deployment.IsAppLocked(err)).To(BeTrue())

			// The first plan still runs and holds exactly one lock.
			Eventually(func() []core.RunSpecID { return e.core.LockedRunSpecs(ctx) }, "5s").Should(ConsistOf(app.ID))
			Expect(e.core.ListDeployments(ctx)).To(HaveLen(1))
		})
		It("should let a forced deploy preempt the conflicting plan", func() {
			app := fake.RunSpec("/foo/app1", fake.WithInstances(1))
			e.queue.SetOnAdd(nil)
			first := deployment.NewPlan(fake.Group(), fake.Group(app))
			Expect(e.core.Deploy(ctx, first, false)).To(Succeed())

			sub := e.bus.Subscribe()
			e.queue.SetOnAdd(func(spec *core.RunSpec, count int) {
				for range count {
					e.tracker.Upsert(fake.Instance(spec))
				}
			})
			forced := deployment.NewPlan(fake.Group(app), fake.Group(app.WithInstances(2)))
			Expect(e.core.Deploy(ctx, forced, true)).To(Succeed())

			awaitEvent(sub, "DeploymentFailed")
			awaitEvent(sub, "DeploymentSuccess")
			Eventually(func() []core.RunSpecID { return e.core.LockedRunSpecs(ctx) }, "10s").Should(BeEmpty())
		})
	})

	Describe("scale command", func() {
		BeforeEach(func() {
			e.elect()
		})

		It("should scale an unlocked run spec and release the lock afterwards", func() {
			app := fake.RunSpec("/app", fake.WithInstances(3))
			e.groups.SetRoot(fake.Group(app))
			e.tracker.Upsert(fake.Instance(app))

			e.core.ScaleRunSpec(ctx, app.ID)
			Eventually(func() int { return e.queue.Added(app.ID) }, "10s").Should(Equal(2))
			Eventually(func() []core.RunSpecID { return e.core.LockedRunSpecs(ctx) }, "10s").Should(BeEmpty())
		})
		It("should drop scale requests for locked run specs", func() {
			app := fake.RunSpec("/app", fake.WithInstances(3))
			e.groups.SetRoot(fake.Group(app))
			e.queue.SetOnAdd(nil)
			plan := deployment.NewPlan(fake.Group(), fake.Group(app))
			Expect(e.core.Deploy(ctx, plan, false)).To(Succeed())
			// The blocked plan's own task-start worker places one add.
			Eventually(func() int { return e.queue.Added(app.ID) }, "5s").Should(Equal(3))

			e.core.ScaleRunSpec(ctx, app.ID)
			Consistently(func() int { return e.queue.Added(app.ID) }).Should(Equal(3))
		})
	})

	Describe("kill command", func() {
		BeforeEach(func() {
			e.elect()
		})

		It("should decommission the requested instances and release the lock", func() {
			app := fake.RunSpec("/app", fake.WithInstances(2))
			victim := fake.Instance(app)
			survivor := fake.Instance(app)
			e.tracker.Upsert(victim)
			e.tracker.Upsert(survivor)

			Expect(e.core.KillInstances(ctx, app.ID, []core.InstanceID{victim.ID})).To(Succeed())
			got, _ := e.tracker.Get(ctx, victim.ID)
			Expect(got.GoalReason).To(Equal(core.ReasonKillRequested))
			untouched, _ := e.tracker.Get(ctx, survivor.ID)
			Expect(untouched.Goal).To(Equal(core.GoalRunning))
			Eventually(func() []core.RunSpecID { return e.core.LockedRunSpecs(ctx) }).Should(BeEmpty())
		})
	})

	Describe("three-app restructure through the core", func() {
		It("should finish with a success event and empty locks", func() {
			e.elect()
			app1 := fake.RunSpec("/foo/app1", fake.WithInstances(2))
			app2 := fake.RunSpec("/foo/app2", fake.WithInstances(1), fake.WithCmd("cmd"))
			app4 := fake.RunSpec("/foo/app4", fake.WithInstances(1))
			i11 := fake.Instance(app1, fake.WithStartedAt(time.Unix(0, 0)))
			i12 := fake.Instance(app1, fake.WithStartedAt(time.Unix(1000, 0)))
			for _, instance := range []*core.Instance{i11, i12, fake.Instance(app2), fake.Instance(app4)} {
				e.tracker.Upsert(instance)
			}
			target := fake.Group(
				fake.RunSpec("/foo/app1", fake.WithInstances(1), fake.WithVersion(time.Unix(1000, 0))),
				fake.RunSpec("/foo/app2", fake.WithInstances(2), fake.WithCmd("otherCmd"), fake.WithVersion(time.Unix(1000, 0))),
				fake.RunSpec("/foo/app3", fake.WithInstances(1)),
			)
			e.groups.SetRoot(target)
			plan := deployment.NewPlan(fake.Group(app1, app2, app4), target)

			sub := e.bus.Subscribe()
			Expect(e.core.Deploy(ctx, plan, false)).To(Succeed())
			awaitEvent(sub, "DeploymentSuccess")
			Eventually(func() []core.RunSpecID { return e.core.LockedRunSpecs(ctx) }, "10s").Should(BeEmpty())

			// The younger app1 instance was chosen for the scale-down.
			killed, _ := e.tracker.Get(ctx, i12.ID)
			Expect(killed.GoalReason).To(Equal(core.ReasonDeploymentScaling))
			kept, _ := e.tracker.Get(ctx, i11.ID)
			Expect(kept.Goal).To(Equal(core.GoalRunning))
		})
	})
})
