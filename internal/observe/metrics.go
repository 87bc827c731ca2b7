// Package observe provides application-wide observability primitives for
// takewright: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all takewright metrics.
const meterName = "github.com/MrWong99/takewright"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks one provider synthesis call, retries excluded.
	SynthesisDuration metric.Float64Histogram

	// BuildDuration tracks a full assemble + QA run including rebuilds.
	BuildDuration metric.Float64Histogram

	// --- Generation ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// CandidatesGenerated counts candidates written to the take store.
	CandidatesGenerated metric.Int64Counter

	// CandidatesAbsent counts candidate versions given up after retries.
	CandidatesAbsent metric.Int64Counter

	// --- Triage and review ---

	// CandidatesFiltered counts filter verdicts. Use with attribute:
	//   attribute.String("reason", ...)
	CandidatesFiltered metric.Int64Counter

	// UnresolvableSegments counts segments whose whole pool was filtered.
	UnresolvableSegments metric.Int64Counter

	// ReviewDecisions counts review transitions. Use with attribute:
	//   attribute.String("action", ...)
	ReviewDecisions metric.Int64Counter

	// StoreSaveFailures counts failed pick state saves. Use with attribute:
	//   attribute.String("store", "local"|"remote")
	StoreSaveFailures metric.Int64Counter

	// --- Build and QA ---

	// GateFailures counts failing QA gates. Use with attribute:
	//   attribute.String("gate", ...)
	GateFailures metric.Int64Counter

	// RebuildAttempts counts automatic rebuilds after a gate failure.
	RebuildAttempts metric.Int64Counter

	// Escalations counts builds handed to a human after the strike limit.
	Escalations metric.Int64Counter

	// ActiveBuilds tracks builds currently running.
	ActiveBuilds metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// synthesisBuckets defines histogram bucket boundaries (in seconds) for
// whole-utterance synthesis calls.
var synthesisBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120,
}

// buildBuckets defines histogram bucket boundaries (in seconds) for builds.
var buildBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("takewright.synthesis.duration",
		metric.WithDescription("Latency of a single synthesis call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(synthesisBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BuildDuration, err = m.Float64Histogram("takewright.build.duration",
		metric.WithDescription("Duration of a build including QA and rebuilds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buildBuckets...),
	); err != nil {
		return nil, err
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ProviderRequests, "takewright.provider.requests", "Total provider requests by provider and status."},
		{&met.ProviderErrors, "takewright.provider.errors", "Total provider errors by provider and kind."},
		{&met.CandidatesGenerated, "takewright.candidates.generated", "Candidates written to the take store."},
		{&met.CandidatesAbsent, "takewright.candidates.absent", "Candidate versions abandoned after exhausting retries."},
		{&met.CandidatesFiltered, "takewright.candidates.filtered", "Elimination filter verdicts by reason."},
		{&met.UnresolvableSegments, "takewright.segments.unresolvable", "Segments whose entire pool was filtered."},
		{&met.ReviewDecisions, "takewright.review.decisions", "Review transitions by action."},
		{&met.StoreSaveFailures, "takewright.store.save_failures", "Failed pick state saves by store."},
		{&met.GateFailures, "takewright.qa.gate_failures", "Failing QA gates by gate."},
		{&met.RebuildAttempts, "takewright.qa.rebuilds", "Automatic rebuilds after gate failures."},
		{&met.Escalations, "takewright.qa.escalations", "Builds escalated to a human after the strike limit."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveBuilds, err = m.Int64UpDownCounter("takewright.active_builds",
		metric.WithDescription("Number of builds currently running."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("takewright.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error. kind is one of
// "rate_limited", "transient", "permanent" or "circuit_open".
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordFiltered records an elimination filter verdict.
func (m *Metrics) RecordFiltered(ctx context.Context, reason string) {
	m.CandidatesFiltered.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDecision records a review transition.
func (m *Metrics) RecordDecision(ctx context.Context, action string) {
	m.ReviewDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordSaveFailure records a failed pick state save.
func (m *Metrics) RecordSaveFailure(ctx context.Context, store string) {
	m.StoreSaveFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("store", store)))
}

// RecordGateFailure records a failing QA gate.
func (m *Metrics) RecordGateFailure(ctx context.Context, gate string) {
	m.GateFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("gate", gate)))
}
