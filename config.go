// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package corral

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/blinklabs-io/corral/admission"
	"github.com/blinklabs-io/corral/compliance"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

type Config struct {
	promRegistry               prometheus.Registerer
	logger                     *slog.Logger
	tierProvider               admission.TierProvider
	screener                   compliance.Screener
	dataDir                    string
	metadataPlugin             string
	postgresDsn                string
	apiListenAddress           string
	settlementUrl              string
	settlementQueue            string
	screeningEndpoint          string
	largeContributionThreshold decimal.Decimal
	cumulativeThreshold        decimal.Decimal
	rapidActivityWindow        time.Duration
	pendingTimeout             time.Duration
	reapInterval               time.Duration
	reconcileInterval          time.Duration
	shutdownTimeout            time.Duration
	tracing                    bool
	tracingStdout              bool
}

func (s *Service) configValidate() error {
	if s.config.settlementQueue != "" && s.config.settlementUrl == "" {
		return errors.New("settlement queue configured without an AMQP URL")
	}
	if s.config.postgresDsn != "" && s.config.metadataPlugin != "postgres" {
		return errors.New(
			"postgres DSN configured but metadata plugin is not postgres",
		)
	}
	if s.config.largeContributionThreshold.IsNegative() {
		return errors.New("large contribution threshold must not be negative")
	}
	if s.config.cumulativeThreshold.IsNegative() {
		return errors.New("cumulative contribution threshold must not be negative")
	}
	if s.config.rapidActivityWindow < 0 {
		return errors.New("rapid activity window must not be negative")
	}
	if s.config.pendingTimeout < 0 {
		return errors.New("pending timeout must not be negative")
	}
	if s.config.shutdownTimeout < 0 {
		return errors.New("shutdown timeout must not be negative")
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the Service config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new corral config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithDatabasePath specifies the persistent data directory to use. The default is to store everything in memory
func WithDatabasePath(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithMetadataPlugin specifies the metadata storage plugin to use. The default is sqlite
func WithMetadataPlugin(plugin string) ConfigOptionFunc {
	return func(c *Config) {
		c.metadataPlugin = plugin
	}
}

// WithPostgresDsn specifies the connection string for the postgres metadata plugin
func WithPostgresDsn(dsn string) ConfigOptionFunc {
	return func(c *Config) {
		c.postgresDsn = dsn
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. In most cases, prometheus.DefaultRegistry would be
// a good choice to get metrics working
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithApiListenAddress specifies the listen address for the REST API server. The default is :8080
func WithApiListenAddress(addr string) ConfigOptionFunc {
	return func(c *Config) {
		c.apiListenAddress = addr
	}
}

// WithSettlementUrl specifies the AMQP broker URL for the settlement
// consumer. An empty string disables the consumer, leaving the REST
// settlement webhook as the only intake. The default is empty (disabled)
func WithSettlementUrl(url string) ConfigOptionFunc {
	return func(c *Config) {
		c.settlementUrl = url
	}
}

// WithSettlementQueue specifies the queue to consume settlement messages
// from. The default is corral.settlements
func WithSettlementQueue(queue string) ConfigOptionFunc {
	return func(c *Config) {
		c.settlementQueue = queue
	}
}

// WithTierProvider specifies the tier and KYC lookup used for deal
// eligibility checks. Without a provider, deals that require a tier or KYC
// reject every contributor and deals without requirements admit everyone
func WithTierProvider(tiers admission.TierProvider) ConfigOptionFunc {
	return func(c *Config) {
		c.tierProvider = tiers
	}
}

// WithScreener specifies the sanctions screener consumed by the compliance
// evaluator. This overrides WithScreeningEndpoint
func WithScreener(screener compliance.Screener) ConfigOptionFunc {
	return func(c *Config) {
		c.screener = screener
	}
}

// WithScreeningEndpoint specifies the base URL of the sanctions screening
// service. An empty string disables the sanctions match rule. The default
// is empty (disabled)
func WithScreeningEndpoint(endpoint string) ConfigOptionFunc {
	return func(c *Config) {
		c.screeningEndpoint = endpoint
	}
}

// WithComplianceThresholds specifies the large-contribution and cumulative
// flag thresholds and the rapid-activity window. Zero values use the
// evaluator defaults (10000, 100000, and 1 hour)
func WithComplianceThresholds(
	large decimal.Decimal,
	cumulative decimal.Decimal,
	rapidWindow time.Duration,
) ConfigOptionFunc {
	return func(c *Config) {
		c.largeContributionThreshold = large
		c.cumulativeThreshold = cumulative
		c.rapidActivityWindow = rapidWindow
	}
}

// WithPendingTimeout specifies how long a contribution may sit PENDING
// before the reaper fails it. The default is 30 minutes
func WithPendingTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.pendingTimeout = timeout
	}
}

// WithReapInterval specifies how often the reaper sweeps for stale PENDING
// contributions. The default is 1 minute
func WithReapInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.reapInterval = interval
	}
}

// WithReconcileInterval specifies how often the journal is replayed against
// the stored projections. The default is 15 minutes. A negative value
// disables the background sweep
func WithReconcileInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.reconcileInterval = interval
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
