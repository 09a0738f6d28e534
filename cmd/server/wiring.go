package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/clinalert/internal/alerting"
	"github.com/linnemanlabs/clinalert/internal/alerting/memstore"
	"github.com/linnemanlabs/clinalert/internal/alerting/pgstore"
	"github.com/linnemanlabs/clinalert/internal/analytics"
	"github.com/linnemanlabs/clinalert/internal/analytics/cache"
	"github.com/linnemanlabs/clinalert/internal/authmw"
	vc "github.com/linnemanlabs/clinalert/internal/cfg"
	"github.com/linnemanlabs/clinalert/internal/llm/claude"
	"github.com/linnemanlabs/clinalert/internal/notify/eventstream"
	"github.com/linnemanlabs/clinalert/internal/notify/mqtt"
	"github.com/linnemanlabs/clinalert/internal/notify/slack"
	"github.com/linnemanlabs/clinalert/internal/postgres"
	"github.com/linnemanlabs/clinalert/internal/scoring"
)

// serviceActor is the identity attached to requests in static token mode.
var serviceActor = alerting.Actor{
	ID:    "service",
	Roles: []string{authmw.RoleClinician, authmw.RoleAdmin, authmw.RoleAnalyst},
}

// storeBackend is the selected store and its closer.
type storeBackend struct {
	store alerting.Store
	close func()
}

// openStore selects postgres when a database url is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (*storeBackend, error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store (no database-url configured)")
		s := memstore.New()
		return &storeBackend{store: s, close: func() {}}, nil
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		URL:       c.DatabaseURL,
		MaxConns:  int32(c.DBMaxConns), //nolint:gosec // bounded by validation
		SlowQuery: c.DBSlowQuery,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	s := pgstore.New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore migrate: %w", err)
	}
	L.Info(ctx, "using postgres store", "database", redactURL(c.DatabaseURL))
	return &storeBackend{store: s, close: s.Close}, nil
}

// sinkSet is the configured notifiers plus their shutdown hooks.
type sinkSet struct {
	sinks  []alerting.Notifier
	closes []func()
}

func (s *sinkSet) closeAll() {
	for _, fn := range s.closes {
		fn()
	}
}

// openSinks connects every configured notifier. A sink that fails to connect
// is logged and skipped so one unreachable broker does not keep the service down.
func openSinks(ctx context.Context, c *vc.Config, L log.Logger) *sinkSet {
	set := &sinkSet{}

	if c.SlackWebhookURL != "" {
		set.sinks = append(set.sinks, slack.New(c.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	if c.MQTTBroker != "" {
		sink, err := mqtt.Connect(mqtt.Config{
			Broker:      c.MQTTBroker,
			ClientID:    c.MQTTClientID,
			TopicPrefix: c.MQTTTopicPrefix,
		}, L)
		if err != nil {
			L.Error(ctx, err, "mqtt notifier disabled", "broker", redactURL(c.MQTTBroker))
		} else {
			set.sinks = append(set.sinks, sink)
			set.closes = append(set.closes, sink.Close)
			L.Info(ctx, "notifier enabled", "type", "mqtt", "broker", redactURL(c.MQTTBroker))
		}
	}

	if c.KurrentDBURL != "" {
		sink, err := eventstream.Connect(c.KurrentDBURL, L)
		if err != nil {
			L.Error(ctx, err, "eventstream notifier disabled")
		} else {
			set.sinks = append(set.sinks, sink)
			set.closes = append(set.closes, func() { _ = sink.Close() })
			L.Info(ctx, "notifier enabled", "type", "eventstream", "url", redactURL(c.KurrentDBURL))
		}
	}

	return set
}

// collaborators are the external services the engine and analytics call.
type collaborators struct {
	scorer     alerting.RiskScorer
	population alerting.PopulationSource
	predictive alerting.PredictiveService
}

func openCollaborators(ctx context.Context, c *vc.Config, L log.Logger) (*collaborators, error) {
	out := &collaborators{population: alerting.StaticPopulation(c.PopulationSize)}

	if c.ScorerURL != "" {
		sc, err := scoring.New(scoring.Options{BaseURL: c.ScorerURL, Token: c.ScorerToken}, L)
		if err != nil {
			return nil, fmt.Errorf("risk scorer client: %w", err)
		}
		out.scorer = sc
		if c.PopulationSize == 0 {
			out.population = sc
		}
		L.Info(ctx, "risk scorer configured", "url", c.ScorerURL)
	} else {
		L.Warn(ctx, "no risk scorer configured, assessment-driven alert creation is disabled")
	}

	switch {
	case c.ClaudeAPIKey != "":
		cl, err := claude.New(claude.Options{APIKey: c.ClaudeAPIKey, Model: c.ClaudeModel}, L)
		if err != nil {
			return nil, fmt.Errorf("claude client: %w", err)
		}
		out.predictive = cl
		L.Info(ctx, "predictive service configured", "provider", "claude", "model", c.ClaudeModel)
	case c.PredictiveBaseURL() != "":
		pc, err := scoring.New(scoring.Options{BaseURL: c.PredictiveBaseURL(), Token: c.ScorerToken}, L)
		if err != nil {
			return nil, fmt.Errorf("predictive client: %w", err)
		}
		out.predictive = pc
		L.Info(ctx, "predictive service configured", "provider", "http", "url", c.PredictiveBaseURL())
	}

	return out, nil
}

// openCache returns the shared Redis cache when configured, else an
// in-process LRU.
func openCache(ctx context.Context, c *vc.Config, L log.Logger) (analytics.Cache, func(), error) {
	if c.RedisURL == "" {
		L.Info(ctx, "analytics cache", "backend", "lru", "size", c.CacheSize, "ttl", c.CacheTTL)
		return cache.NewLRU(c.CacheSize, c.CacheTTL), func() {}, nil
	}

	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	rc := cache.NewRedis(client, "clinalert:analytics:")
	if err := rc.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	L.Info(ctx, "analytics cache", "backend", "redis", "ttl", c.CacheTTL)
	return rc, func() { _ = client.Close() }, nil
}

// authMiddleware picks JWT verification or static token mode.
func authMiddleware(c *vc.Config) func(http.Handler) http.Handler {
	if c.JWTSecret != "" {
		return authmw.JWT([]byte(c.JWTSecret))
	}
	return authmw.BearerToken(c.APIToken, serviceActor)
}

// redactURL drops credentials from a connection string before logging it.
func redactURL(raw string) string {
	if i := strings.Index(raw, "@"); i >= 0 {
		if j := strings.Index(raw, "://"); j >= 0 && j < i {
			return raw[:j+3] + "***" + raw[i:]
		}
	}
	return raw
}
