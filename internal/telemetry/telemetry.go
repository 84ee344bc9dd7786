// Package telemetry exports sync cycle metrics over OTLP.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/tarun080/parkingfinder/internal/syncengine"
)

// Config holds telemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string
	Insecure bool
	Interval time.Duration
	Logger   *log.Logger
}

// Telemetry holds the meter provider
type Telemetry struct {
	MeterProvider *sdkmetric.MeterProvider
	config        Config
}

// Initialize sets up metric export. With no endpoint it returns a
// Telemetry whose Meter is the global no-op provider.
func Initialize(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[telemetry] ", log.LstdFlags)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Endpoint == "" {
		return &Telemetry{config: cfg}, nil
	}

	cfg.Logger.Printf("Initializing telemetry with endpoint: %s", cfg.Endpoint)

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTimeout(30 * time.Second),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.Interval),
		)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return &Telemetry{MeterProvider: mp, config: cfg}, nil
}

// WithReader builds Telemetry on an explicit reader, e.g. a manual reader
// in tests.
func WithReader(ctx context.Context, cfg Config, reader sdkmetric.Reader) (*Telemetry, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return &Telemetry{MeterProvider: mp, config: cfg}, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "parkingsync"
	}
	return resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", name),
			attribute.String("service.version", cfg.ServiceVersion),
		),
	)
}

// Enabled reports whether metrics are exported.
func (t *Telemetry) Enabled() bool { return t.MeterProvider != nil }

// Meter returns the meter for sync instruments.
func (t *Telemetry) Meter() metric.Meter {
	if t.MeterProvider == nil {
		return otel.GetMeterProvider().Meter("parkingsync")
	}
	return t.MeterProvider.Meter("parkingsync")
}

// Shutdown flushes and stops metric export.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.MeterProvider == nil {
		return nil
	}
	return t.MeterProvider.Shutdown(ctx)
}

// Sink records cycle events as metrics. It implements
// syncengine.EventSink.
type Sink struct {
	cycles     metric.Int64Counter
	spots      metric.Int64Counter
	duration   metric.Float64Histogram
	phaseTimes metric.Float64Histogram
}

// NewSink creates the sync instruments on m.
func NewSink(m metric.Meter) (*Sink, error) {
	var (
		s    Sink
		err  error
		errs []error
	)
	s.cycles, err = m.Int64Counter("parkingsync.sync.cycles",
		metric.WithDescription("Sync cycles run, by trigger and outcome"))
	errs = append(errs, err)
	s.spots, err = m.Int64Counter("parkingsync.sync.spots",
		metric.WithDescription("Spots handled by sync cycles, by result"))
	errs = append(errs, err)
	s.duration, err = m.Float64Histogram("parkingsync.sync.duration",
		metric.WithDescription("Sync cycle duration"),
		metric.WithUnit("ms"))
	errs = append(errs, err)
	s.phaseTimes, err = m.Float64Histogram("parkingsync.sync.phase.duration",
		metric.WithDescription("Sync phase duration"),
		metric.WithUnit("ms"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}
	return &s, nil
}

// CycleFinished implements syncengine.EventSink.
func (s *Sink) CycleFinished(ev syncengine.CycleEvent) {
	ctx := context.Background()
	outcome := "ok"
	if !ev.Succeeded() {
		outcome = "failed"
	}
	trigger := attribute.String("trigger", string(ev.Trigger))

	s.cycles.Add(ctx, 1, metric.WithAttributes(trigger, attribute.String("outcome", outcome)))
	s.duration.Record(ctx, float64(ev.DurationMS), metric.WithAttributes(trigger, attribute.String("outcome", outcome)))

	for result, n := range map[string]int{
		"pulled":     ev.Pulled,
		"pushed":     ev.Pushed,
		"conflicted": ev.Conflicted,
		"failed":     ev.Failed,
		"rejected":   ev.Rejected,
	} {
		if n > 0 {
			s.spots.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
		}
	}
	for phase, ms := range ev.PhaseMS {
		s.phaseTimes.Record(ctx, float64(ms), metric.WithAttributes(attribute.String("phase", string(phase))))
	}
}
