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
	"errors"
	"sync/atomic"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/convoy-sched/convoy/pkg/deployment"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Supervise", func() {
	var clk *clocktesting.FakeClock

	BeforeEach(func() {
		clk = clocktesting.NewFakeClock(time.Unix(0, 0))
	})

	It("should return immediately on success", func() {
		Expect(deployment.Supervise(ctx, clk, "worker", func(context.Context) error { return nil })).To(Succeed())
	})
	It("should restart transient failures with back-off", func() {
		var attempts atomic.Int64
		done := make(chan error, 1)
		go func() {
			done <- deployment.Supervise(ctx, clk, "worker", func(context.Context) error {
				if attempts.Add(1) < 3 {
					return errors.New("transient")
				}
				return nil
			})
		}()
		// First restart waits at least the minimum back-off.
		Eventually(clk.HasWaiters).Should(BeTrue())
		Consistently(done).ShouldNot(Receive())
		clk.Step(6 * time.Second)
		Eventually(clk.HasWaiters).Should(BeTrue())
		clk.Step(12 * time.Second)
		Eventually(done).Should(Receive(BeNil()))
		Expect(attempts.Load()).To(BeNumerically("==", 3))
	})
	It("should escalate fatal errors without restarting", func() {
		var attempts atomic.Int64
		cause := errors.New("unrecoverable")
		err := deployment.Supervise(ctx, clk, "worker", func(context.Context) error {
			attempts.Add(1)
			return deployment.Fatal(cause)
		})
		Expect(errors.Is(err, cause)).To(BeTrue())
		Expect(deployment.IsFatal(err)).To(BeTrue())
		Expect(attempts.Load()).To(BeNumerically("==", 1))
	})
	It("should stop on context cancellation", func() {
		cancelCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- deployment.Supervise(cancelCtx, clk, "worker", func(context.Context) error {
				return errors.New("transient")
			})
		}()
		Eventually(clk.HasWaiters).Should(BeTrue())
		cancel()
		Eventually(done).Should(Receive(MatchError(context.Canceled)))
	})
})
