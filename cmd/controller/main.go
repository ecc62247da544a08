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

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/convoy-sched/convoy/pkg/driver"
	"github.com/convoy-sched/convoy/pkg/operator"
	"github.com/convoy-sched/convoy/pkg/operator/logging"
	"github.com/convoy-sched/convoy/pkg/operator/options"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := &options.Options{}
	fs := flag.NewFlagSet("convoy-controller", flag.ExitOnError)
	opts.AddFlags(fs)
	lo.Must0(opts.Parse(fs, os.Args[1:]...))
	ctx = opts.ToContext(ctx)
	ctx = logr.NewContext(ctx, logging.NewLogger(ctx, "controller"))

	clk := clock.RealClock{}
	drv := driver.NewSimDriver(clk, time.Second)
	op := operator.NewOperator(drv, operator.StandaloneElection{}, clk)
	drv.Bind(op.Tracker)
	lo.Must0(op.Start(ctx))
}
