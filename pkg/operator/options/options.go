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

package options

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/awslabs/operatorpkg/env"
	"github.com/imdario/mergo"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
)

var validLogLevels = []string{"", "debug", "info", "error"}

type optionsKey struct{}

// Options contains all CLI flags and env vars of the controller. A TOML config
// file, when given, fills in whatever the flags left at their zero value.
type Options struct {
	ServiceName         string        `toml:"service-name"`
	MetricsPort         int           `toml:"metrics-port"`
	HealthProbePort     int           `toml:"health-probe-port"`
	LogLevel            string        `toml:"log-level"`
	LogOutputPaths      string        `toml:"log-output-paths"`
	LogErrorOutputPaths string        `toml:"log-error-output-paths"`
	ReconcileInterval   time.Duration `toml:"reconcile-interval"`
	ScaleInterval       time.Duration `toml:"scale-interval"`
	ConfigFile          string        `toml:"-"`
}

func (o *Options) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.ServiceName, "service-name", env.WithDefaultString("CONVOY_SERVICE", "convoy"), "The service name used in logs and lease names")
	fs.IntVar(&o.MetricsPort, "metrics-port", env.WithDefaultInt("METRICS_PORT", 8080), "The port the metric endpoint binds to")
	fs.IntVar(&o.HealthProbePort, "health-probe-port", env.WithDefaultInt("HEALTH_PROBE_PORT", 8081), "The port the health probe endpoint binds to")
	fs.StringVar(&o.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log verbosity level. Can be one of 'debug', 'info', or 'error'")
	fs.StringVar(&o.LogOutputPaths, "log-output-paths", env.WithDefaultString("LOG_OUTPUT_PATHS", "stdout"), "Optional comma separated paths for directing log output")
	fs.StringVar(&o.LogErrorOutputPaths, "log-error-output-paths", env.WithDefaultString("LOG_ERROR_OUTPUT_PATHS", "stderr"), "Optional comma separated paths for logging error output")
	fs.DurationVar(&o.ReconcileInterval, "reconcile-interval", 15*time.Minute, "How often task reconciliation is driven against the cluster")
	fs.DurationVar(&o.ScaleInterval, "scale-interval", time.Minute, "How often every run spec is checked against its target instance count")
	fs.StringVar(&o.ConfigFile, "config-file", env.WithDefaultString("CONFIG_FILE", ""), "Optional TOML file merged under the flag values")
}

func (o *Options) Parse(fs *flag.FlagSet, args ...string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parsing flags, %w", err)
	}
	if o.ConfigFile != "" {
		fromFile, err := loadFile(o.ConfigFile)
		if err != nil {
			return err
		}
		// Flags win; the file only fills in zero values.
		if err := mergo.Merge(o, *fromFile); err != nil {
			return fmt.Errorf("merging config file %s, %w", o.ConfigFile, err)
		}
	}
	if !lo.Contains(validLogLevels, o.LogLevel) {
		return fmt.Errorf("validating log-level, %q is not a valid log level", o.LogLevel)
	}
	return nil
}

func loadFile(path string) (*Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s, %w", path, err)
	}
	parsed := &Options{}
	if err := toml.Unmarshal(raw, parsed); err != nil {
		return nil, fmt.Errorf("parsing config file %s, %w", path, err)
	}
	return parsed, nil
}

func (o *Options) ToContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, optionsKey{}, o)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		return nil
	}
	return retval.(*Options)
}
