package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsCollector manages all metrics for the broker
type MetricsCollector struct {
	meter metric.Meter

	// RPC metrics
	rpcRequests metric.Int64Counter
	rpcLatency  metric.Float64Histogram

	// Tool metrics
	toolExecutions metric.Int64Counter
	toolDuration   metric.Float64Histogram

	// Session metrics
	sessionsActive metric.Int64UpDownCounter

	// Crawl metrics
	crawlPagesVisited   metric.Int64Counter
	crawlActionsBlocked metric.Int64Counter

	// Peer sync metrics
	syncTransfers metric.Int64Counter
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewMetricsCollector creates a new metrics collector. When disabled, the
// returned collector is inert and all record methods are no-ops.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("drover"),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("drover")

	rpcRequests, err := meter.Int64Counter(
		"drover.rpc.requests.total",
		metric.WithDescription("Total number of RPC requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc_requests counter: %w", err)
	}

	rpcLatency, err := meter.Float64Histogram(
		"drover.rpc.latency",
		metric.WithDescription("RPC request latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc_latency histogram: %w", err)
	}

	toolExecutions, err := meter.Int64Counter(
		"drover.tool.executions.total",
		metric.WithDescription("Total number of tool executions"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool_executions counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"drover.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool_duration histogram: %w", err)
	}

	sessionsActive, err := meter.Int64UpDownCounter(
		"drover.sessions.active",
		metric.WithDescription("Number of active browser sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions_active gauge: %w", err)
	}

	crawlPagesVisited, err := meter.Int64Counter(
		"drover.crawl.pages.total",
		metric.WithDescription("Total pages visited by autonomous crawls"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create crawl_pages counter: %w", err)
	}

	crawlActionsBlocked, err := meter.Int64Counter(
		"drover.crawl.blocked.total",
		metric.WithDescription("Crawl actions rejected by guardrails"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create crawl_blocked counter: %w", err)
	}

	syncTransfers, err := meter.Int64Counter(
		"drover.sync.transfers.total",
		metric.WithDescription("Peer sync session transfers"),
		metric.WithUnit("{transfer}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync_transfers counter: %w", err)
	}

	return &MetricsCollector{
		meter:               meter,
		rpcRequests:         rpcRequests,
		rpcLatency:          rpcLatency,
		toolExecutions:      toolExecutions,
		toolDuration:        toolDuration,
		sessionsActive:      sessionsActive,
		crawlPagesVisited:   crawlPagesVisited,
		crawlActionsBlocked: crawlActionsBlocked,
		syncTransfers:       syncTransfers,
	}, nil
}

// Handler returns the Prometheus scrape handler for mounting on the router.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// RecordRPCRequest records one RPC round trip
func (m *MetricsCollector) RecordRPCRequest(ctx context.Context, route string, status int, latency time.Duration) {
	if m == nil || m.rpcRequests == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.Int("status", status),
	}

	m.rpcRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.rpcLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordToolExecution records a tool execution
func (m *MetricsCollector) RecordToolExecution(ctx context.Context, toolName string, status string, duration time.Duration) {
	if m == nil || m.toolExecutions == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	}

	m.toolExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool_name", toolName)))
}

// IncrementActiveSessions increments the active sessions counter
func (m *MetricsCollector) IncrementActiveSessions(ctx context.Context) {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, 1)
}

// DecrementActiveSessions decrements the active sessions counter
func (m *MetricsCollector) DecrementActiveSessions(ctx context.Context) {
	if m == nil || m.sessionsActive == nil {
		return
	}
	m.sessionsActive.Add(ctx, -1)
}

// RecordCrawlPage records one visited page for a crawl session
func (m *MetricsCollector) RecordCrawlPage(ctx context.Context, crawlID string) {
	if m == nil || m.crawlPagesVisited == nil {
		return
	}
	m.crawlPagesVisited.Add(ctx, 1, metric.WithAttributes(attribute.String("crawl_id", crawlID)))
}

// RecordCrawlBlocked records a guardrail rejection
func (m *MetricsCollector) RecordCrawlBlocked(ctx context.Context, rule string) {
	if m == nil || m.crawlActionsBlocked == nil {
		return
	}
	m.crawlActionsBlocked.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}

// RecordSyncTransfer records a peer sync upload or download
func (m *MetricsCollector) RecordSyncTransfer(ctx context.Context, direction string, status string) {
	if m == nil || m.syncTransfers == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("direction", direction),
		attribute.String("status", status),
	}
	m.syncTransfers.Add(ctx, 1, metric.WithAttributes(attrs...))
}
