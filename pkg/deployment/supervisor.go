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
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
)

const (
	supervisorMinBackoff = 5 * time.Second
	supervisorMaxBackoff = time.Minute
	supervisorJitter     = 0.2
)

type fatalError struct{ error }

func (f fatalError) Unwrap() error { return f.error }

// Fatal marks an error as unrecoverable: the supervisor stops restarting and
// escalates it to the enclosing step.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err}
}

func IsFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}

// Supervise runs fn until it returns nil, restarting it after transient
// failures with exponential back-off. Worker construction reads remote state
// with a timeout and may transiently fail, so restart must be safe; workers
// are written to be idempotent. Fatal errors and context cancellation end the
// loop immediately.
func Supervise(ctx context.Context, clk clock.Clock, name string, fn func(context.Context) error) error {
	log := logr.FromContextOrDiscard(ctx).WithName(name)
	backoff := wait.Backoff{
		Duration: supervisorMinBackoff,
		Factor:   2,
		Jitter:   supervisorJitter,
		Cap:      supervisorMaxBackoff,
		Steps:    intMax,
	}
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsFatal(err) || ctx.Err() != nil {
			return err
		}
		delay := backoff.Step()
		log.Error(err, "worker failed, restarting", "backoff", delay)
		timer := clk.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}

const intMax = int(^uint(0) >> 1)
