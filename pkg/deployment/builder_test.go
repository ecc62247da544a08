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
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/deployment"
	"github.com/convoy-sched/convoy/pkg/fake"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func actionIDs(step deployment.Step) []core.RunSpecID {
	var ids []core.RunSpecID
	for _, action := range step.Actions {
		ids = append(ids, action.Run().ID)
	}
	return ids
}

var _ = Describe("Plan Builder", func() {
	It("should produce no steps for identical trees", func() {
		group := fake.Group(fake.RunSpec("/app", fake.WithInstances(2)))
		plan := deployment.NewPlan(group, group)
		Expect(plan.Steps).To(BeEmpty())
		Expect(plan.AffectedRunSpecIDs().Len()).To(BeZero())
	})
	It("should stop removed, start added, restart changed and scale resized specs in that order", func() {
		original := fake.Group(
			fake.RunSpec("/foo/app1", fake.WithInstances(2)),
			fake.RunSpec("/foo/app2", fake.WithInstances(1), fake.WithCmd("cmd")),
			fake.RunSpec("/foo/app4", fake.WithInstances(1)),
		)
		target := fake.Group(
			fake.RunSpec("/foo/app1", fake.WithInstances(1), fake.WithVersion(time.Unix(1000, 0))),
			fake.RunSpec("/foo/app2", fake.WithInstances(2), fake.WithCmd("otherCmd"), fake.WithVersion(time.Unix(1000, 0))),
			fake.RunSpec("/foo/app3", fake.WithInstances(1)),
		)
		plan := deployment.NewPlan(original, target)

		Expect(plan.Steps).To(HaveLen(4))
		Expect(actionIDs(plan.Steps[0])).To(ConsistOf(core.RunSpecID("/foo/app4")))
		Expect(plan.Steps[0].Actions[0]).To(BeAssignableToTypeOf(deployment.StopApplication{}))
		Expect(plan.Steps[0].Actions[0].Run().Instances).To(BeZero())

		Expect(actionIDs(plan.Steps[1])).To(ConsistOf(core.RunSpecID("/foo/app3")))
		Expect(plan.Steps[1].Actions[0]).To(BeAssignableToTypeOf(deployment.StartApplication{}))

		Expect(actionIDs(plan.Steps[2])).To(ConsistOf(core.RunSpecID("/foo/app2")))
		Expect(plan.Steps[2].Actions[0]).To(BeAssignableToTypeOf(deployment.RestartApplication{}))

		Expect(actionIDs(plan.Steps[3])).To(ConsistOf(core.RunSpecID("/foo/app1"), core.RunSpecID("/foo/app3")))

		Expect(plan.AffectedRunSpecIDs()).To(Equal(sets.New[core.RunSpecID](
			"/foo/app1", "/foo/app2", "/foo/app3", "/foo/app4")))
	})
	It("should treat a version bump without structural change as a restart", func() {
		original := fake.Group(fake.RunSpec("/app", fake.WithInstances(2)))
		target := fake.Group(fake.RunSpec("/app", fake.WithInstances(2), fake.WithVersion(time.Unix(1000, 0))))
		plan := deployment.NewPlan(original, target)
		Expect(plan.Steps).To(HaveLen(1))
		Expect(plan.Steps[0].Actions[0]).To(BeAssignableToTypeOf(deployment.RestartApplication{}))
	})
	It("should never put two actions for one run spec into the same step", func() {
		original := fake.Group(fake.RunSpec("/a"), fake.RunSpec("/b", fake.WithCmd("x")))
		target := fake.Group(
			fake.RunSpec("/a", fake.WithInstances(4)),
			fake.RunSpec("/b", fake.WithCmd("y")),
			fake.RunSpec("/c"),
		)
		plan := deployment.NewPlan(original, target)
		for _, step := range plan.Steps {
			ids := actionIDs(step)
			Expect(sets.New(ids...).Len()).To(Equal(len(ids)))
		}
	})
	It("should carry the kill hint into the scale action", func() {
		spec := fake.RunSpec("/app", fake.WithInstances(3))
		victim := fake.Instance(spec)
		original := fake.Group(spec)
		target := fake.Group(fake.RunSpec("/app", fake.WithInstances(2)))
		plan := deployment.NewPlan(original, target,
			deployment.WithToKill(map[core.RunSpecID][]*core.Instance{"/app": {victim}}))

		Expect(plan.Steps).To(HaveLen(1))
		scale, ok := plan.Steps[0].Actions[0].(deployment.ScaleApplication)
		Expect(ok).To(BeTrue())
		Expect(scale.ScaleTo).To(Equal(2))
		Expect(scale.ToKill).To(ConsistOf(victim))
	})
	It("should detect conflicts through shared run specs", func() {
		a := deployment.NewPlan(fake.Group(fake.RunSpec("/a")), fake.Group(fake.RunSpec("/a", fake.WithInstances(2))))
		b := deployment.NewPlan(fake.Group(fake.RunSpec("/a")), fake.Group(fake.RunSpec("/a", fake.WithInstances(3))))
		c := deployment.NewPlan(fake.Group(fake.RunSpec("/c")), fake.Group(fake.RunSpec("/c", fake.WithInstances(3))))
		Expect(a.Conflicts(b)).To(BeTrue())
		Expect(a.Conflicts(c)).To(BeFalse())
	})
})
