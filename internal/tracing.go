// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegermetrics "github.com/uber/jaeger-lib/metrics"
)

// SetupTracing installs a Jaeger tracer as the opentracing global, sampling
// every span. The returned closer flushes buffered spans on shutdown. If
// enabled is false a no-op closer is returned and the opentracing global is
// left as the default no-op tracer, so span creation sites cost nothing.
func SetupTracing(serviceName string, enabled bool) (io.Closer, error) {
	if !enabled {
		return io.NopCloser(nil), nil
	}
	cfg := jaegerconfig.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegerconfig.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jaegerconfig.ReporterConfig{
			LogSpans: true,
		},
	}
	return cfg.InitGlobalTracer(
		jaegerconfig.Logger(logrusLogger{logrus.StandardLogger()}),
		jaegerconfig.Metrics(jaegermetrics.NullFactory),
	)
}

// Region is an in-flight trace span; callers defer region.EndRegion().
type Region struct {
	span opentracing.Span
}

// StartRegion starts a child span named name under any span already in ctx,
// returning the derived context alongside the region.
func StartRegion(ctx context.Context, name string) (context.Context, Region) {
	span, ctx := opentracing.StartSpanFromContext(ctx, name)
	return ctx, Region{span: span}
}

func (r Region) EndRegion() {
	if r.span != nil {
		r.span.Finish()
	}
}

type logrusLogger struct {
	l *logrus.Logger
}

func (l logrusLogger) Error(msg string) {
	l.l.Error(msg)
}

func (l logrusLogger) Infof(msg string, args ...interface{}) {
	l.l.Infof(msg, args...)
}
