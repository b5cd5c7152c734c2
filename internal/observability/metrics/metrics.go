package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments for the request
// substrate: login/refresh flow outcomes, invite redemptions, balance
// gate decisions, and rate-limit decisions.
type Metrics struct {
	loginAttempts       metric.Int64Counter
	refreshRotations    metric.Int64Counter
	refreshReuseDetected metric.Int64Counter
	inviteRedemptions   metric.Int64Counter
	balanceDecisions    metric.Int64Counter
	rateLimitAllowed    metric.Int64Counter
	rateLimitDenied     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "tenantroute"
	}
	meter := provider.Meter(name)

	loginAttempts, err := meter.Int64Counter("tenantroute_login_attempts_total")
	if err != nil {
		return nil, err
	}
	refreshRotations, err := meter.Int64Counter("tenantroute_refresh_rotations_total")
	if err != nil {
		return nil, err
	}
	refreshReuseDetected, err := meter.Int64Counter("tenantroute_refresh_reuse_detected_total")
	if err != nil {
		return nil, err
	}
	inviteRedemptions, err := meter.Int64Counter("tenantroute_invite_redemptions_total")
	if err != nil {
		return nil, err
	}
	balanceDecisions, err := meter.Int64Counter("tenantroute_balance_decisions_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("tenantroute_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("tenantroute_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		loginAttempts:        loginAttempts,
		refreshRotations:     refreshRotations,
		refreshReuseDetected: refreshReuseDetected,
		inviteRedemptions:    inviteRedemptions,
		balanceDecisions:     balanceDecisions,
		rateLimitAllowed:     rateLimitAllowed,
		rateLimitDenied:      rateLimitDenied,
	}, nil
}

// RecordLoginAttempt increments login attempt counts by outcome.
func (m *Metrics) RecordLoginAttempt(ctx context.Context, actorType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("actor_type", strings.TrimSpace(actorType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.loginAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRefreshRotation increments refresh-token rotation counts.
func (m *Metrics) RecordRefreshRotation(ctx context.Context, actorType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("actor_type", strings.TrimSpace(actorType)))
	m.refreshRotations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRefreshReuseDetected increments stolen-refresh-token detections.
func (m *Metrics) RecordRefreshReuseDetected(ctx context.Context, actorType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("actor_type", strings.TrimSpace(actorType)))
	m.refreshReuseDetected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInviteRedemption increments invite-code redemption counts by outcome.
func (m *Metrics) RecordInviteRedemption(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.inviteRedemptions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBalanceDecision increments balance-gate decisions by balance type
// and outcome (allowed/exhausted).
func (m *Metrics) RecordBalanceDecision(ctx context.Context, balanceType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("balance_type", strings.TrimSpace(balanceType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.balanceDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, companyID, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("company_id", strings.TrimSpace(companyID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
	)
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, companyID, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("company_id", strings.TrimSpace(companyID)),
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"company_id":    {},
	"endpoint":      {},
	"status_code":   {},
	"actor_type":    {},
	"outcome":       {},
	"balance_type":  {},
	"reason":        {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
