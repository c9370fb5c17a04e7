// Package telemetry provides OpenTelemetry metrics for the sync core.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/campusfeed/feed-sync"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	syncRunsTotal   metric.Int64Counter
	syncRunDuration metric.Float64Histogram
	syncItemsTotal  metric.Int64Counter
	queueDepth      metric.Int64Gauge
	queueDropsTotal metric.Int64Counter

	probesTotal   metric.Int64Counter
	probeDuration metric.Float64Histogram

	cacheReadsTotal  metric.Int64Counter
	cacheWritesTotal metric.Int64Counter

	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "feed-sync"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	syncRunsTotal, err := meter.Int64Counter(
		"feed_sync_runs_total",
		metric.WithDescription("Total number of sync runs by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	syncRunDuration, err := meter.Float64Histogram(
		"feed_sync_run_duration_seconds",
		metric.WithDescription("Duration of sync runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	syncItemsTotal, err := meter.Int64Counter(
		"feed_sync_items_total",
		metric.WithDescription("Total queued submissions processed by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	queueDepth, err := meter.Int64Gauge(
		"feed_sync_queue_depth",
		metric.WithDescription("Current number of queued submissions"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	queueDropsTotal, err := meter.Int64Counter(
		"feed_sync_queue_drops_total",
		metric.WithDescription("Total submissions dropped by the queue cap"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return err
	}

	probesTotal, err := meter.Int64Counter(
		"feed_sync_probes_total",
		metric.WithDescription("Total connectivity probes by outcome"),
		metric.WithUnit("{probe}"),
	)
	if err != nil {
		return err
	}

	probeDuration, err := meter.Float64Histogram(
		"feed_sync_probe_duration_seconds",
		metric.WithDescription("Duration of connectivity probes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	cacheReadsTotal, err := meter.Int64Counter(
		"feed_sync_cache_reads_total",
		metric.WithDescription("Total cached page reads by result"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return err
	}

	cacheWritesTotal, err := meter.Int64Counter(
		"feed_sync_cache_writes_total",
		metric.WithDescription("Total cached page writes by result"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return err
	}

	requestsTotal, err := meter.Int64Counter(
		"feed_sync_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"feed_sync_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		syncRunsTotal:    syncRunsTotal,
		syncRunDuration:  syncRunDuration,
		syncItemsTotal:   syncItemsTotal,
		queueDepth:       queueDepth,
		queueDropsTotal:  queueDropsTotal,
		probesTotal:      probesTotal,
		probeDuration:    probeDuration,
		cacheReadsTotal:  cacheReadsTotal,
		cacheWritesTotal: cacheWritesTotal,
		requestsTotal:    requestsTotal,
		requestDuration:  requestDuration,
		meterProvider:    mp,
		promHandler:      promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordSyncRun records one completed sync run.
// outcome is one of "success", "partial", "failure", "noop", "skipped".
func RecordSyncRun(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.syncRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.syncRunDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSyncItem records one processed queue entry.
// outcome is "submitted" or "retry_exhausted".
func RecordSyncItem(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncItemsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordQueueDepth records the current queue depth.
func RecordQueueDepth(ctx context.Context, depth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queueDepth.Record(ctx, int64(depth))
}

// RecordQueueDrops records submissions dropped by the queue cap.
func RecordQueueDrops(ctx context.Context, dropped int) {
	if globalMetrics == nil || dropped == 0 {
		return
	}
	globalMetrics.queueDropsTotal.Add(ctx, int64(dropped))
}

// RecordProbe records one connectivity probe.
// outcome is one of "ok", "timeout", "error", "link_down".
func RecordProbe(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.probesTotal.Add(ctx, 1, attrs)
	globalMetrics.probeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheRead records one cached page read.
// result is "hit", "miss", or "error".
func RecordCacheRead(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheReadsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCacheWrite records one cached page write.
// result is "ok" or "error".
func RecordCacheWrite(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheWritesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordHTTP records HTTP request metrics for the local UI-shell server.
func RecordHTTP(ctx context.Context, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status_class", StatusClass(status)))
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
