// Package telemetry owns the OpenTelemetry instruments shared by the
// dispatcher, proxy, resolver and session components.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scope = "github.com/ggoodman/uiserve-go"

// Instruments groups the counters recorded across the request path. A nil
// *Instruments is valid and records nothing.
type Instruments struct {
	requests           metric.Int64Counter
	routeFaults        metric.Int64Counter
	proxyForwarded     metric.Int64Counter
	proxyFallthrough   metric.Int64Counter
	proxyFailures      metric.Int64Counter
	resourceLookups    metric.Int64Counter
	sessionsCreated    metric.Int64Counter
	sessionsExpired    metric.Int64Counter
	expirationsApplied metric.Int64Counter
}

// New creates the instruments from meter. A nil meter yields no-op instruments.
func New(meter metric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(scope)
	}
	var (
		in  Instruments
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&in.requests, "uiserve.dispatch.requests", "Requests dispatched, by outcome."},
		{&in.routeFaults, "uiserve.dispatch.faults", "Route handler faults that aborted a chain."},
		{&in.proxyForwarded, "uiserve.proxy.forwarded", "Upstream responses streamed downstream."},
		{&in.proxyFallthrough, "uiserve.proxy.fallthrough", "Upstream 404 responses that continued the chain."},
		{&in.proxyFailures, "uiserve.proxy.failures", "Upstream connect or timeout failures."},
		{&in.resourceLookups, "uiserve.resources.lookups", "Resource resolutions, by tier."},
		{&in.sessionsCreated, "uiserve.sessions.created", "Sessions created by the session gate."},
		{&in.sessionsExpired, "uiserve.sessions.expired", "Local expirations published to the broadcast channel."},
		{&in.expirationsApplied, "uiserve.sessions.purged", "Local session copies purged, by origin."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return &in, nil
}

// Must is New for callers that pass a known-good meter.
func Must(meter metric.Meter) *Instruments {
	in, err := New(meter)
	if err != nil {
		panic(err)
	}
	return in
}

func (in *Instruments) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if in == nil || c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (in *Instruments) Request(ctx context.Context, outcome string) {
	if in == nil {
		return
	}
	in.add(ctx, in.requests, attribute.String("outcome", outcome))
}

func (in *Instruments) RouteFault(ctx context.Context, pattern string) {
	if in == nil {
		return
	}
	in.add(ctx, in.routeFaults, attribute.String("route", pattern))
}

func (in *Instruments) ProxyForwarded(ctx context.Context, status int) {
	if in == nil {
		return
	}
	in.add(ctx, in.proxyForwarded, attribute.Int("status", status))
}

func (in *Instruments) ProxyFallthrough(ctx context.Context) {
	if in == nil {
		return
	}
	in.add(ctx, in.proxyFallthrough)
}

func (in *Instruments) ProxyFailure(ctx context.Context, reason string) {
	if in == nil {
		return
	}
	in.add(ctx, in.proxyFailures, attribute.String("reason", reason))
}

func (in *Instruments) ResourceLookup(ctx context.Context, tier string) {
	if in == nil {
		return
	}
	in.add(ctx, in.resourceLookups, attribute.String("tier", tier))
}

func (in *Instruments) SessionCreated(ctx context.Context) {
	if in == nil {
		return
	}
	in.add(ctx, in.sessionsCreated)
}

func (in *Instruments) SessionExpired(ctx context.Context) {
	if in == nil {
		return
	}
	in.add(ctx, in.sessionsExpired)
}

func (in *Instruments) SessionPurged(ctx context.Context, origin string) {
	if in == nil {
		return
	}
	in.add(ctx, in.expirationsApplied, attribute.String("origin", origin))
}
