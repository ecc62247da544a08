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

package deployment

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSuperseded is the cancellation cause handed to executors whose plans were
// preempted by a forced deployment.
var ErrSuperseded = errors.New("superseded by a forced deployment")

// ErrUnknownDeployment rejects operations on plan ids with no active entry.
var ErrUnknownDeployment = errors.New("no active deployment with that id")

// AppLockedError rejects a non-forced deployment whose affected run specs
// overlap with plans already in flight.
type AppLockedError struct {
	PlanID    string
	Conflicts []string
}

func (e *AppLockedError) Error() string {
	return fmt.Sprintf("plan %s is locked by deployments %s", e.PlanID, strings.Join(e.Conflicts, ", "))
}

func IsAppLocked(err error) bool {
	var locked *AppLockedError
	return errors.As(err, &locked)
}
