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

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
)

// RunSpecID is the hierarchical path identifier of a run spec, e.g. "/prod/api/frontend".
// The empty path "/" identifies the root group.
type RunSpecID string

const RootID RunSpecID = "/"

func (id RunSpecID) String() string { return string(id) }

// Segments returns the non-empty path components of the id.
func (id RunSpecID) Segments() []string {
	return lo.Filter(strings.Split(string(id), "/"), func(s string, _ int) bool { return s != "" })
}

// Parent returns the id of the enclosing group.
func (id RunSpecID) Parent() RunSpecID {
	segs := id.Segments()
	if len(segs) <= 1 {
		return RootID
	}
	return RunSpecID("/" + strings.Join(segs[:len(segs)-1], "/"))
}

func (id RunSpecID) Validate() error {
	if !strings.HasPrefix(string(id), "/") {
		return fmt.Errorf("run spec id %q must be absolute", id)
	}
	for _, seg := range strings.Split(strings.TrimPrefix(string(id), "/"), "/") {
		if seg == "" && id != RootID {
			return fmt.Errorf("run spec id %q contains an empty path segment", id)
		}
	}
	return nil
}

// RunSpecKind distinguishes the two workload flavors. The scheduling core
// treats them uniformly except that health checks only apply to applications.
type RunSpecKind string

const (
	KindApplication RunSpecKind = "application"
	KindPod         RunSpecKind = "pod"
)

// KillSelection is the deterministic ordering policy used to pick victims when
// scaling a run spec below its current instance count.
type KillSelection string

const (
	KillSelectionYoungestFirst KillSelection = "YoungestFirst"
	KillSelectionOldestFirst   KillSelection = "OldestFirst"
)

// Less orders two instances by kill preference. Earlier instances are killed
// first. Ties are broken by instance id so the order is strictly total.
func (k KillSelection) Less(a, b *Instance) bool {
	if !a.StartedAt.Equal(b.StartedAt) {
		if k == KillSelectionOldestFirst {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.StartedAt.After(b.StartedAt)
	}
	return a.ID < b.ID
}

// HealthCheck describes a single liveness probe of an application. The core
// only registers and deregisters checks; execution lives elsewhere.
type HealthCheck struct {
	Path            string
	Port            int
	IntervalSeconds int
}

// Config is the structural description of a run spec that matters for upgrade
// detection. Two specs with equal ids but different configs require a restart
// to converge.
type Config struct {
	Cmd   string
	Image string
	Env   map[string]string
}

// RunSpec is the declarative description of a workload: an application or a
// pod desiring a fixed number of running instances.
type RunSpec struct {
	ID                  RunSpecID
	Kind                RunSpecKind
	Instances           int
	KillSelection       KillSelection
	Version             time.Time
	Config              Config
	HealthChecks        []HealthCheck
	RequiresReservation bool
}

// WithInstances returns a copy of the spec with the desired instance count
// replaced. The receiver is never mutated.
func (r *RunSpec) WithInstances(count int) *RunSpec {
	out := *r
	out.Instances = count
	return &out
}

// ConfigHash is a stable hash over the spec's structural description, used to
// detect that a target spec requires restarting running instances.
func (r *RunSpec) ConfigHash() uint64 {
	return lo.Must(hashstructure.Hash(r.Config, hashstructure.FormatV2, nil))
}

// IsUpgrade reports whether the target's structural description differs, so
// running instances of the receiver cannot serve the target.
func (r *RunSpec) IsUpgrade(target *RunSpec) bool {
	return r.ConfigHash() != target.ConfigHash()
}

// IsOnlyScaleChange reports whether the two specs share the same Config hash
// and differ in desired instance count. Version and the other fields are not
// compared.
func (r *RunSpec) IsOnlyScaleChange(target *RunSpec) bool {
	return !r.IsUpgrade(target) && r.Instances != target.Instances
}

func (r *RunSpec) IsApplication() bool { return r.Kind != KindPod }
