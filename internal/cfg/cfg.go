package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"

	"github.com/linnemanlabs/clinalert/internal/alerting"
	"github.com/linnemanlabs/clinalert/internal/sla"
)

// minJWTSecretLen is the shortest HS256 secret accepted.
const minJWTSecretLen = 32

// Config holds the server settings shared by cmd/server components. It
// implements the cfg.Registerable and cfg.Validatable interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL string
	DBMaxConns  int
	DBSlowQuery time.Duration

	RedisURL  string
	CacheTTL  time.Duration
	CacheSize int

	SLAEmergency        time.Duration
	SLACritical         time.Duration
	SLAHigh             time.Duration
	SLAMedium           time.Duration
	SLALow              time.Duration
	ReescalateEmergency time.Duration
	ReescalateCritical  time.Duration
	SweepInterval       time.Duration
	SweepParallelism    int

	JWTSecret string
	APIToken  string

	ScorerURL     string
	ScorerToken   string
	PredictiveURL string
	ClaudeAPIKey  string
	ClaudeModel   string
	TrendInterval time.Duration

	SlackWebhookURL string
	MQTTBroker      string
	MQTTTopicPrefix string
	MQTTClientID    string
	KurrentDBURL    string

	DispatchQueueSize int
	DispatchRate      float64

	PopulationSize int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	def := sla.DefaultPolicy().Windows

	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum pool connections (0 = pgx default)")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 250*time.Millisecond, "log successful queries slower than this (0 = log all)")

	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the shared analytics cache (empty = in-process LRU)")
	fs.DurationVar(&c.CacheTTL, "analytics-cache-ttl", 5*time.Minute, "analytics cache entry lifetime")
	fs.IntVar(&c.CacheSize, "analytics-cache-size", 256, "in-process analytics cache entries")

	fs.DurationVar(&c.SLAEmergency, "sla-emergency", def[alerting.PriorityEmergency], "response window for emergency alerts")
	fs.DurationVar(&c.SLACritical, "sla-critical", def[alerting.PriorityCritical], "response window for critical alerts")
	fs.DurationVar(&c.SLAHigh, "sla-high", def[alerting.PriorityHigh], "response window for high alerts")
	fs.DurationVar(&c.SLAMedium, "sla-medium", def[alerting.PriorityMedium], "response window for medium alerts")
	fs.DurationVar(&c.SLALow, "sla-low", def[alerting.PriorityLow], "response window for low alerts")
	fs.DurationVar(&c.ReescalateEmergency, "sla-reescalate-emergency", 0, "re-escalate breached emergency alerts after this long (0 = off)")
	fs.DurationVar(&c.ReescalateCritical, "sla-reescalate-critical", 0, "re-escalate breached critical alerts after this long (0 = off)")
	fs.DurationVar(&c.SweepInterval, "sla-sweep-interval", sla.DefaultInterval, "SLA sweep interval")
	fs.IntVar(&c.SweepParallelism, "sla-sweep-parallelism", sla.DefaultParallelism, "concurrent alert evaluations per sweep (1..64)")

	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HS256 secret for verifying bearer JWTs")
	fs.StringVar(&c.APIToken, "api-token", "", "static bearer token for service-to-service access (alternative to -jwt-secret)")

	fs.StringVar(&c.ScorerURL, "risk-scorer-url", "", "base URL of the risk scoring service")
	fs.StringVar(&c.ScorerToken, "risk-scorer-token", "", "bearer token for the risk scoring service")
	fs.StringVar(&c.PredictiveURL, "predictive-url", "", "base URL of the predictive service (defaults to the scorer)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for Claude-backed trend projections (overrides -predictive-url)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.DurationVar(&c.TrendInterval, "trend-interval", time.Hour, "population trend refresh interval")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.MQTTBroker, "mqtt-broker", "", "MQTT broker URL, e.g. tcp://broker:1883")
	fs.StringVar(&c.MQTTTopicPrefix, "mqtt-topic-prefix", "clinalert", "MQTT topic prefix")
	fs.StringVar(&c.MQTTClientID, "mqtt-client-id", "clinalert", "MQTT client id")
	fs.StringVar(&c.KurrentDBURL, "kurrentdb-url", "", "KurrentDB/EventStoreDB connection string for the event stream sink")

	fs.IntVar(&c.DispatchQueueSize, "dispatch-queue-size", 1024, "pending notification queue size (1..1000000)")
	fs.Float64Var(&c.DispatchRate, "dispatch-rate", 20, "notifications delivered per second (0 = unlimited)")

	fs.IntVar(&c.PopulationSize, "population-size", 0, "beneficiary population size when no scorer is configured")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBMaxConns < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be >= 0)", c.DBMaxConns))
	}
	if c.DBSlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY %s (must be >= 0)", c.DBSlowQuery))
	}

	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("invalid ANALYTICS_CACHE_TTL %s (must be > 0)", c.CacheTTL))
	}
	if c.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid ANALYTICS_CACHE_SIZE %d (must be > 0)", c.CacheSize))
	}

	if err := c.SLAPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("invalid SLA_SWEEP_INTERVAL %s (must be > 0)", c.SweepInterval))
	}
	if c.SweepParallelism < 1 || c.SweepParallelism > 64 {
		errs = append(errs, fmt.Errorf("invalid SLA_SWEEP_PARALLELISM %d (must be 1..64)", c.SweepParallelism))
	}

	// Exactly one way to authenticate callers
	switch {
	case c.JWTSecret == "" && c.APIToken == "":
		errs = append(errs, errors.New("one of JWT_SECRET or API_TOKEN is required"))
	case c.JWTSecret != "" && c.APIToken != "":
		errs = append(errs, errors.New("JWT_SECRET and API_TOKEN are mutually exclusive"))
	case c.JWTSecret != "" && len(c.JWTSecret) < minJWTSecretLen:
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLen))
	}

	for name, raw := range map[string]string{
		"RISK_SCORER_URL":   c.ScorerURL,
		"PREDICTIVE_URL":    c.PredictiveURL,
		"SLACK_WEBHOOK_URL": c.SlackWebhookURL,
		"MQTT_BROKER":       c.MQTTBroker,
	} {
		if err := checkURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		}
	}
	if c.MQTTBroker != "" && c.MQTTTopicPrefix == "" {
		errs = append(errs, errors.New("MQTT_TOPIC_PREFIX is required when MQTT_BROKER is set"))
	}

	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}
	if c.TrendInterval < time.Minute {
		errs = append(errs, fmt.Errorf("invalid TREND_INTERVAL %s (must be >= 1m)", c.TrendInterval))
	}

	if c.DispatchQueueSize < 1 || c.DispatchQueueSize > 1_000_000 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_QUEUE_SIZE %d (must be 1..1000000)", c.DispatchQueueSize))
	}
	if c.DispatchRate < 0 {
		errs = append(errs, fmt.Errorf("invalid DISPATCH_RATE %g (must be >= 0)", c.DispatchRate))
	}
	if c.PopulationSize < 0 {
		errs = append(errs, fmt.Errorf("invalid POPULATION_SIZE %d (must be >= 0)", c.PopulationSize))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SLAPolicy builds the SLA policy from the configured windows. Zero
// re-escalation thresholds are left out.
func (c *Config) SLAPolicy() sla.Policy {
	p := sla.Policy{
		Windows: map[alerting.Priority]time.Duration{
			alerting.PriorityEmergency: c.SLAEmergency,
			alerting.PriorityCritical:  c.SLACritical,
			alerting.PriorityHigh:      c.SLAHigh,
			alerting.PriorityMedium:    c.SLAMedium,
			alerting.PriorityLow:       c.SLALow,
		},
		Reescalate: map[alerting.Priority]time.Duration{},
	}
	if c.ReescalateEmergency != 0 {
		p.Reescalate[alerting.PriorityEmergency] = c.ReescalateEmergency
	}
	if c.ReescalateCritical != 0 {
		p.Reescalate[alerting.PriorityCritical] = c.ReescalateCritical
	}
	return p
}

// PredictiveBaseURL is the predictive service endpoint, falling back to the
// risk scorer which serves both APIs in the default deployment.
func (c *Config) PredictiveBaseURL() string {
	if c.PredictiveURL != "" {
		return c.PredictiveURL
	}
	return c.ScorerURL
}

func checkURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q needs a scheme and host", raw)
	}
	return nil
}
