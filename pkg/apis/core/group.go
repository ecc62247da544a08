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
	"sort"
	"time"

	"github.com/samber/lo"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Group is a node of the hierarchical run spec tree. Run specs live at the
// leaves; groups only provide namespacing and versioning.
type Group struct {
	ID      RunSpecID
	Apps    map[RunSpecID]*RunSpec
	Groups  map[RunSpecID]*Group
	Version time.Time
}

func NewGroup(id RunSpecID) *Group {
	return &Group{
		ID:     id,
		Apps:   map[RunSpecID]*RunSpec{},
		Groups: map[RunSpecID]*Group{},
	}
}

// RunSpecs returns every run spec in the tree rooted at g, in stable id order.
func (g *Group) RunSpecs() []*RunSpec {
	specs := lo.Values(g.Apps)
	for _, child := range g.Groups {
		specs = append(specs, child.RunSpecs()...)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// RunSpec looks a spec up anywhere in the tree.
func (g *Group) RunSpec(id RunSpecID) (*RunSpec, bool) {
	if spec, ok := g.Apps[id]; ok {
		return spec, true
	}
	for _, child := range g.Groups {
		if spec, ok := child.RunSpec(id); ok {
			return spec, true
		}
	}
	return nil, false
}

// RunSpecIDs returns the set of all transitive run spec ids.
func (g *Group) RunSpecIDs() sets.Set[RunSpecID] {
	return sets.New(lo.Map(g.RunSpecs(), func(r *RunSpec, _ int) RunSpecID { return r.ID })...)
}

// PutApp inserts (or replaces) a run spec at its id. Intermediate groups are
// created as needed.
func (g *Group) PutApp(spec *RunSpec) {
	parent := g.ensureGroup(spec.ID.Parent())
	parent.Apps[spec.ID] = spec
}

// RemoveApp deletes the run spec with the given id anywhere in the tree.
func (g *Group) RemoveApp(id RunSpecID) {
	delete(g.Apps, id)
	for _, child := range g.Groups {
		child.RemoveApp(id)
	}
}

func (g *Group) ensureGroup(id RunSpecID) *Group {
	if id == g.ID {
		return g
	}
	current := g
	path := RootID
	for _, seg := range id.Segments() {
		if path == RootID {
			path = RunSpecID("/" + seg)
		} else {
			path = RunSpecID(string(path) + "/" + seg)
		}
		child, ok := current.Groups[path]
		if !ok {
			child = NewGroup(path)
			current.Groups[path] = child
		}
		current = child
	}
	return current
}

// Copy returns a deep copy of the tree. Specs are shared; they are treated as
// immutable values throughout the core.
func (g *Group) Copy() *Group {
	out := NewGroup(g.ID)
	out.Version = g.Version
	for id, spec := range g.Apps {
		out.Apps[id] = spec
	}
	for id, child := range g.Groups {
		out.Groups[id] = child.Copy()
	}
	return out
}
