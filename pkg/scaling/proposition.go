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

// Package scaling decides, for a single run spec, which instances to kill and
// how many to start in order to reach a target instance count. The decision is
// pure and deterministic; it is the single source of truth for scaling during
// deployment steps and background reconciliation alike.
package scaling

import (
	"sort"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/convoy-sched/convoy/pkg/apis/core"
)

// KillSelector picks count victims out of candidates, honoring the run spec's
// constraint policy. The returned order must be deterministic for equal input.
type KillSelector func(candidates []*core.Instance, count int) []*core.Instance

// Proposition is the outcome of Propose. An empty ToKill and a zero ToStart
// mean the run spec is already at its target.
type Proposition struct {
	ToKill  []*core.Instance
	ToStart int
}

func (p Proposition) IsNoOp() bool { return len(p.ToKill) == 0 && p.ToStart == 0 }

// Propose computes the scaling decision for one run spec.
//
// Instances named by toKillHint are killed unconditionally (the hint may name
// instances that are already gone; those are dropped). If the hint does not
// cover the full overcapacity, selector chooses the remainder. The start count
// backfills whatever the kills leave below scaleTo.
func Propose(running []*core.Instance, toKillHint []*core.Instance, selector KillSelector, scaleTo int, killSelection core.KillSelection) Proposition {
	if selector == nil {
		selector = DefaultKillSelector(killSelection)
	}
	overCapacity := lo.Max([]int{0, len(running) - scaleTo})

	runningIDs := sets.New(lo.Map(running, func(i *core.Instance, _ int) core.InstanceID { return i.ID })...)
	sentenced := lo.Filter(toKillHint, func(i *core.Instance, _ int) bool { return runningIDs.Has(i.ID) })

	toKill := sentenced
	if len(sentenced) < overCapacity {
		sentencedIDs := sets.New(lo.Map(sentenced, func(i *core.Instance, _ int) core.InstanceID { return i.ID })...)
		candidates := lo.Filter(running, func(i *core.Instance, _ int) bool { return !sentencedIDs.Has(i.ID) })
		toKill = append(toKill, selector(candidates, overCapacity-len(sentenced))...)
	}

	return Proposition{
		ToKill:  toKill,
		ToStart: lo.Max([]int{0, scaleTo - (len(running) - len(toKill))}),
	}
}

// conditionRank orders conditions by how cheap the instance is to give up.
// Instances that never became healthy go before ones doing useful work.
func conditionRank(c core.Condition) int {
	switch c {
	case core.ConditionKilling:
		return 0
	case core.ConditionUnreachable:
		return 1
	case core.ConditionProvisioned:
		return 2
	case core.ConditionStaging:
		return 3
	case core.ConditionStarting:
		return 4
	default:
		return 5
	}
}

// DefaultKillSelector ranks candidates by condition first, then by the run
// spec's kill selection over start timestamps, with instance ids as the final
// tie break so the order is strictly total.
func DefaultKillSelector(killSelection core.KillSelection) KillSelector {
	return func(candidates []*core.Instance, count int) []*core.Instance {
		sorted := make([]*core.Instance, len(candidates))
		copy(sorted, candidates)
		sort.Slice(sorted, func(i, j int) bool {
			a, b := sorted[i], sorted[j]
			if ra, rb := conditionRank(a.Condition), conditionRank(b.Condition); ra != rb {
				return ra < rb
			}
			return killSelection.Less(a, b)
		})
		return sorted[:lo.Min([]int{count, len(sorted)})]
	}
}
