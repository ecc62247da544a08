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

package logging

import (
	"context"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/convoy-sched/convoy/pkg/operator/options"
)

// NopLogger is used to throw away logs when logging would be too noisy.
var NopLogger = zapr.NewLogger(zap.NewNop())

func DefaultZapConfig(ctx context.Context) zap.Config {
	logLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	if l := options.FromContext(ctx).LogLevel; l != "" {
		logLevel = lo.Must(zap.ParseAtomicLevel(l))
	}
	return zap.Config{
		Level:             logLevel,
		Development:       false,
		DisableCaller:     options.FromContext(ctx).LogLevel != "debug",
		DisableStacktrace: true,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:     "message",
			LevelKey:       "level",
			TimeKey:        "time",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      strings.Split(options.FromContext(ctx).LogOutputPaths, ","),
		ErrorOutputPaths: strings.Split(options.FromContext(ctx).LogErrorOutputPaths, ","),
	}
}

// NewLogger returns a configured logr.Logger backed by zap, named for the
// component.
func NewLogger(ctx context.Context, component string) logr.Logger {
	return zapr.NewLogger(lo.Must(DefaultZapConfig(ctx).Build()).Named(component))
}
