package cfg

import (
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

// validBase returns a Config populated from the flag defaults plus the
// required auth setting.
func validBase(t *testing.T) Config {
	t.Helper()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}
	c.APIToken = "test-token-123"
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	c := validBase(t)

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.SLAEmergency != 15*time.Minute {
		t.Errorf("SLAEmergency = %s, want 15m", c.SLAEmergency)
	}
	if c.SLALow != 7*24*time.Hour {
		t.Errorf("SLALow = %s, want 168h", c.SLALow)
	}
	if c.MQTTTopicPrefix != "clinalert" {
		t.Errorf("MQTTTopicPrefix = %q, want clinalert", c.MQTTTopicPrefix)
	}
	if c.ClaudeModel != "claude-sonnet-4-5" {
		t.Errorf("ClaudeModel = %q", c.ClaudeModel)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-http-port", "9090",
		"-sla-critical", "2h",
		"-sla-reescalate-emergency", "30m",
		"-sla-sweep-parallelism", "8",
		"-dispatch-rate", "2.5",
		"-risk-scorer-url", "http://scorer:8081",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.SLACritical != 2*time.Hour {
		t.Errorf("SLACritical = %s, want 2h", c.SLACritical)
	}
	if c.ReescalateEmergency != 30*time.Minute {
		t.Errorf("ReescalateEmergency = %s, want 30m", c.ReescalateEmergency)
	}
	if c.SweepParallelism != 8 {
		t.Errorf("SweepParallelism = %d, want 8", c.SweepParallelism)
	}
	if c.DispatchRate != 2.5 {
		t.Errorf("DispatchRate = %g, want 2.5", c.DispatchRate)
	}
	if c.ScorerURL != "http://scorer:8081" {
		t.Errorf("ScorerURL = %q", c.ScorerURL)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errSubstr []string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:   "jwt mode",
			mutate: func(c *Config) { c.APIToken = ""; c.JWTSecret = strings.Repeat("s", 32) },
		},
		{
			name:      "drain zero",
			mutate:    func(c *Config) { c.DrainSeconds = 0 },
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "budget above max",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = 301 },
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			mutate:    func(c *Config) { c.ShutdownBudgetSeconds = 60 },
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:      "port above max",
			mutate:    func(c *Config) { c.APIPort = 65536 },
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "no auth",
			mutate:    func(c *Config) { c.APIToken = "" },
			wantErr:   true,
			errSubstr: []string{"JWT_SECRET or API_TOKEN"},
		},
		{
			name:      "both auth modes",
			mutate:    func(c *Config) { c.JWTSecret = strings.Repeat("s", 32) },
			wantErr:   true,
			errSubstr: []string{"mutually exclusive"},
		},
		{
			name:      "short jwt secret",
			mutate:    func(c *Config) { c.APIToken = ""; c.JWTSecret = "short" },
			wantErr:   true,
			errSubstr: []string{"at least 32 bytes"},
		},
		{
			name:      "zero sla window",
			mutate:    func(c *Config) { c.SLAHigh = 0 },
			wantErr:   true,
			errSubstr: []string{"sla window for high"},
		},
		{
			name:      "negative reescalation",
			mutate:    func(c *Config) { c.ReescalateCritical = -time.Minute },
			wantErr:   true,
			errSubstr: []string{"re-escalation threshold for critical"},
		},
		{
			name:      "parallelism too high",
			mutate:    func(c *Config) { c.SweepParallelism = 65 },
			wantErr:   true,
			errSubstr: []string{"SLA_SWEEP_PARALLELISM"},
		},
		{
			name:      "scorer url without scheme",
			mutate:    func(c *Config) { c.ScorerURL = "scorer:8081" },
			wantErr:   true,
			errSubstr: []string{"RISK_SCORER_URL"},
		},
		{
			name:      "mqtt without prefix",
			mutate:    func(c *Config) { c.MQTTBroker = "tcp://broker:1883"; c.MQTTTopicPrefix = "" },
			wantErr:   true,
			errSubstr: []string{"MQTT_TOPIC_PREFIX"},
		},
		{
			name:      "trend interval too short",
			mutate:    func(c *Config) { c.TrendInterval = time.Second },
			wantErr:   true,
			errSubstr: []string{"TREND_INTERVAL"},
		},
		{
			name:      "queue size zero",
			mutate:    func(c *Config) { c.DispatchQueueSize = 0 },
			wantErr:   true,
			errSubstr: []string{"DISPATCH_QUEUE_SIZE"},
		},
		{
			name:      "negative dispatch rate",
			mutate:    func(c *Config) { c.DispatchRate = -1 },
			wantErr:   true,
			errSubstr: []string{"DISPATCH_RATE"},
		},
		{
			name: "multiple errors joined",
			mutate: func(c *Config) {
				c.DrainSeconds = 0
				c.APIPort = 0
				c.CacheTTL = 0
			},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "HTTP_PORT", "ANALYTICS_CACHE_TTL"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := validBase(t)
			tt.mutate(&c)
			err := c.Validate()

			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			for _, sub := range tt.errSubstr {
				if !strings.Contains(err.Error(), sub) {
					t.Errorf("error %q missing %q", err, sub)
				}
			}
		})
	}
}

func TestSLAPolicy(t *testing.T) {
	t.Parallel()

	c := validBase(t)
	c.SLACritical = 2 * time.Hour
	c.ReescalateEmergency = 30 * time.Minute

	p := c.SLAPolicy()
	if got := p.Windows[alerting.PriorityCritical]; got != 2*time.Hour {
		t.Errorf("critical window = %s, want 2h", got)
	}
	if got := p.Reescalate[alerting.PriorityEmergency]; got != 30*time.Minute {
		t.Errorf("emergency reescalate = %s, want 30m", got)
	}
	if _, ok := p.Reescalate[alerting.PriorityCritical]; ok {
		t.Error("zero critical reescalation should be omitted")
	}
}

func TestPredictiveBaseURL(t *testing.T) {
	t.Parallel()

	c := Config{ScorerURL: "http://scorer"}
	if got := c.PredictiveBaseURL(); got != "http://scorer" {
		t.Errorf("fallback = %q", got)
	}
	c.PredictiveURL = "http://predict"
	if got := c.PredictiveBaseURL(); got != "http://predict" {
		t.Errorf("explicit = %q", got)
	}
}
