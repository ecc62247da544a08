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

package scaling_test

import (
	"time"

	"github.com/samber/lo"

	"github.com/convoy-sched/convoy/pkg/apis/core"
	"github.com/convoy-sched/convoy/pkg/fake"
	"github.com/convoy-sched/convoy/pkg/scaling"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Proposition", func() {
	var spec *core.RunSpec

	BeforeEach(func() {
		spec = fake.RunSpec("/test/app")
	})

	running := func(count int, selection ...core.KillSelection) []*core.Instance {
		return lo.Times(count, func(i int) *core.Instance {
			return fake.Instance(spec, fake.WithStartedAt(time.Unix(int64(i*1000), 0)))
		})
	}

	It("should propose nothing when already at the target", func() {
		instances := running(3)
		proposition := scaling.Propose(instances, nil, nil, 3, core.KillSelectionYoungestFirst)
		Expect(proposition.IsNoOp()).To(BeTrue())
	})
	It("should start the missing count when under capacity", func() {
		proposition := scaling.Propose(running(1), nil, nil, 4, core.KillSelectionYoungestFirst)
		Expect(proposition.ToKill).To(BeEmpty())
		Expect(proposition.ToStart).To(Equal(3))
	})
	It("should kill the overcapacity when above target", func() {
		proposition := scaling.Propose(running(5), nil, nil, 2, core.KillSelectionYoungestFirst)
		Expect(proposition.ToKill).To(HaveLen(3))
		Expect(proposition.ToStart).To(BeZero())
	})
	It("should kill the youngest instances first", func() {
		instances := running(3)
		proposition := scaling.Propose(instances, nil, nil, 2, core.KillSelectionYoungestFirst)
		Expect(proposition.ToKill).To(HaveLen(1))
		Expect(proposition.ToKill[0].ID).To(Equal(instances[2].ID))
	})
	It("should kill the oldest instances first when selected", func() {
		instances := running(3)
		proposition := scaling.Propose(instances, nil, nil, 2, core.KillSelectionOldestFirst)
		Expect(proposition.ToKill).To(HaveLen(1))
		Expect(proposition.ToKill[0].ID).To(Equal(instances[0].ID))
	})
	It("should break start time ties by instance id", func() {
		a := fake.Instance(spec, fake.WithID("/test/app.instance-aaaa"))
		b := fake.Instance(spec, fake.WithID("/test/app.instance-bbbb"))
		proposition := scaling.Propose([]*core.Instance{b, a}, nil, nil, 1, core.KillSelectionYoungestFirst)
		Expect(proposition.ToKill).To(HaveLen(1))
		Expect(proposition.ToKill[0].ID).To(Equal(a.ID))
	})
	It("should prefer instances that never became healthy", func() {
		healthy := fake.Instance(spec, fake.WithStartedAt(time.Unix(9999, 0)))
		staging := fake.Instance(spec, fake.WithCondition(core.ConditionStaging))
		proposition := scaling.Propose([]*core.Instance{healthy, staging}, nil, nil, 1, core.KillSelectionYoungestFirst)
		Expect(proposition.ToKill).To(HaveLen(1))
		Expect(proposition.ToKill[0].ID).To(Equal(staging.ID))
	})
	It("should kill all sentenced instances even beyond the overcapacity", func() {
		instances := running(3)
		proposition := scaling.Propose(instances, instances[:2], nil, 2, core.KillSelectionYoungestFirst)
		Expect(proposition.ToKill).To(HaveLen(2))
		// The sentenced kills dip below target, so starts compensate.
		Expect(proposition.ToStart).To(Equal(1))
	})
	It("should drop hinted instances that are already gone", func() {
		instances := running(3)
		ghost := fake.Instance(spec)
		proposition := scaling.Propose(instances, []*core.Instance{ghost}, nil, 2, core.KillSelectionYoungestFirst)
		Expect(proposition.ToKill).To(HaveLen(1))
		Expect(proposition.ToKill[0].ID).To(Equal(instances[2].ID))
	})
	It("should top up the hint with selected victims when it does not cover the overcapacity", func() {
		instances := running(4)
		proposition := scaling.Propose(instances, instances[:1], nil, 2, core.KillSelectionYoungestFirst)
		Expect(proposition.ToKill).To(HaveLen(2))
		Expect(proposition.ToKill[0].ID).To(Equal(instances[0].ID))
		Expect(proposition.ToKill[1].ID).To(Equal(instances[3].ID))
		Expect(proposition.ToStart).To(BeZero())
	})
	It("should satisfy the scaling invariant for arbitrary shapes", func() {
		for _, tc := range []struct {
			running int
			hint    int
			scaleTo int
		}{
			{0, 0, 0}, {0, 0, 5}, {5, 0, 0}, {5, 2, 5}, {5, 5, 1}, {3, 1, 7}, {10, 3, 4},
		} {
			instances := running(tc.running)
			proposition := scaling.Propose(instances, instances[:tc.hint], nil, tc.scaleTo, core.KillSelectionYoungestFirst)
			Expect(tc.running-len(proposition.ToKill)+proposition.ToStart).To(Equal(tc.scaleTo),
				"running=%d hint=%d scaleTo=%d", tc.running, tc.hint, tc.scaleTo)
		}
	})
	It("should be deterministic for equal inputs", func() {
		instances := running(6)
		first := scaling.Propose(instances, instances[:1], nil, 3, core.KillSelectionOldestFirst)
		second := scaling.Propose(instances, instances[:1], nil, 3, core.KillSelectionOldestFirst)
		Expect(lo.Map(first.ToKill, func(i *core.Instance, _ int) core.InstanceID { return i.ID })).
			To(Equal(lo.Map(second.ToKill, func(i *core.Instance, _ int) core.InstanceID { return i.ID })))
		Expect(first.ToStart).To(Equal(second.ToStart))
	})
})
