package pipeline

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	sessionsActive metric.Int64UpDownCounter
	sessionsTotal  metric.Int64Counter
	packetsTotal   metric.Int64Counter
	failuresTotal  metric.Int64Counter
	audioSeconds   metric.Float64Histogram
}

func newMetrics(log *slog.Logger) *metrics {
	meter := otel.Meter("loqa-scribe/pipeline")
	m := &metrics{}
	var err error

	if m.sessionsActive, err = meter.Int64UpDownCounter("scribe.sessions.active",
		metric.WithDescription("Sessions currently streaming")); err != nil {
		log.Warn("failed to register metric", slog.String("error", err.Error()))
	}
	if m.sessionsTotal, err = meter.Int64Counter("scribe.sessions.total",
		metric.WithDescription("Sessions started since boot")); err != nil {
		log.Warn("failed to register metric", slog.String("error", err.Error()))
	}
	if m.packetsTotal, err = meter.Int64Counter("scribe.packets.total",
		metric.WithDescription("Opus packets demuxed")); err != nil {
		log.Warn("failed to register metric", slog.String("error", err.Error()))
	}
	if m.failuresTotal, err = meter.Int64Counter("scribe.failures.total",
		metric.WithDescription("Terminal session failures by kind")); err != nil {
		log.Warn("failed to register metric", slog.String("error", err.Error()))
	}
	if m.audioSeconds, err = meter.Float64Histogram("scribe.audio.seconds",
		metric.WithDescription("Decoded audio per session at teardown")); err != nil {
		log.Warn("failed to register metric", slog.String("error", err.Error()))
	}
	return m
}

func (m *metrics) sessionStarted(ctx context.Context) {
	if m.sessionsActive != nil {
		m.sessionsActive.Add(ctx, 1)
	}
	if m.sessionsTotal != nil {
		m.sessionsTotal.Add(ctx, 1)
	}
}

func (m *metrics) sessionEnded(ctx context.Context, seconds float64) {
	if m.sessionsActive != nil {
		m.sessionsActive.Add(ctx, -1)
	}
	if m.audioSeconds != nil {
		m.audioSeconds.Record(ctx, seconds)
	}
}

func (m *metrics) packets(ctx context.Context, n int) {
	if m.packetsTotal != nil {
		m.packetsTotal.Add(ctx, int64(n))
	}
}

func (m *metrics) failure(ctx context.Context, kind Kind) {
	if m.failuresTotal != nil {
		m.failuresTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}
