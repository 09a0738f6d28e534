// Clinalert runs the clinical alert workflow service: the alert HTTP API, the
// SLA escalation sweeper, notification fan-out and population analytics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/clinalert/internal/alertapi"
	"github.com/linnemanlabs/clinalert/internal/alerting"
	"github.com/linnemanlabs/clinalert/internal/analytics"
	vc "github.com/linnemanlabs/clinalert/internal/cfg"
	"github.com/linnemanlabs/clinalert/internal/postgres"
	"github.com/linnemanlabs/clinalert/internal/sla"
)

const appName = "clinalert"
const component = "server"

// trendWindowDays is the trailing window trend projections are conditioned on.
const trendWindowDays = 30

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    vc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, parsed into that package's config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags first, env vars filled below never override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix CLINALERT_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "CLINALERT_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, flushes buffered logs if the backend ever changes
	defer func() { _ = lg.Sync() }()

	// component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context so the engine, sweeper and stores pick it up
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"auth_mode", authMode(&appCfg),
		"sla_sweep_interval", appCfg.SweepInterval,
		"sla_sweep_parallelism", appCfg.SweepParallelism,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// profiling first so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	// Start profiling, returns a stop function to flush buffers on shutdown
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function that flushes pending spans
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// link spans to profiles so a slow sweep or transition can be opened in pyroscope
	profiling := profErr == nil && profCfg.EnablePyroscope
	if profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, every package registers its collectors on this registry
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)

	// Register per-query DB duration histogram and wire the observer.
	// Only queries against postgres report here, the in-memory store has none.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clinalert_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, source, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(source, route, outcome).Observe(dur.Seconds())
		},
	))

	// Initialize the alert store, postgres when a database url is set
	backend, err := openStore(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer backend.close()

	// Risk scorer, predictive service and population provider. Any of these
	// may be absent, the features that need them degrade instead of failing startup.
	collab, err := openCollaborators(ctx, &appCfg, L)
	if err != nil {
		return err
	}

	// Initialize domain metrics on the shared Prometheus registry.
	alertMetrics := alerting.NewMetrics(m.Registry())
	slaMetrics := sla.NewMetrics(m.Registry())
	analyticsMetrics := analytics.NewMetrics(m.Registry())

	// Notification fan-out. Sinks only ever see committed events.
	sinks := openSinks(ctx, &appCfg, L)
	dispatcher := alerting.NewDispatcher(alerting.DispatcherConfig{
		QueueSize:  appCfg.DispatchQueueSize,
		RatePerSec: appCfg.DispatchRate,
		Burst:      max(1, int(appCfg.DispatchRate)),
	}, L, alertMetrics.DispatchHooks(), sinks.sinks...)

	// Initialize the workflow engine, the only writer of alert state
	clock := alerting.SystemClock
	engine := alerting.NewEngine(backend.store, collab.scorer, dispatcher, clock, L, alertMetrics.Hooks())

	// SLA monitor escalates breached alerts through the engine on every sweep
	monitor := sla.NewMonitor(engine, sla.Config{
		Policy:      appCfg.SLAPolicy(),
		Interval:    appCfg.SweepInterval,
		Parallelism: appCfg.SweepParallelism,
	}, clock, L, slaMetrics.Hooks())

	// Analytics are read-only over the store. Trend projections are refreshed
	// in the background so dashboards never wait on the predictive service.
	aggregator := analytics.NewAggregator(backend.store, collab.population, clock)
	var refresher *analytics.TrendRefresher
	if collab.predictive != nil {
		refresher = analytics.NewTrendRefresher(collab.predictive, aggregator, appCfg.TrendInterval, trendWindowDays, clock, L)
		refresher.OnResult(analyticsMetrics.TrendResult)
		aggregator.SetTrendSource(refresher)
	}

	// Cache in front of the aggregator, redis when configured otherwise in-process lru
	analyticsCache, closeCache, err := openCache(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeCache()
	cachedAnalytics := analytics.NewCachedAggregator(aggregator, analyticsCache, appCfg.CacheTTL, 0, L, analyticsMetrics.CacheHooks())

	// Background jobs outlive the signal so in-flight requests can still
	// publish during drain; they are stopped explicitly below.
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer bgCancel()
	jobs, jobsCtx := errgroup.WithContext(bgCtx)
	jobs.Go(func() error { return dispatcher.Run(jobsCtx) })
	jobs.Go(func() error { return monitor.Run(postgres.WithJob(jobsCtx, "sla_sweep")) })
	if refresher != nil {
		jobs.Go(func() error { return refresher.Run(postgres.WithJob(jobsCtx, "trend_refresh")) })
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)

	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. it is meant for internal monitoring only,
	// the middleware rejects public source ips and requests with x-forwarded set
	// in case the network rules in front of it are ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(dbRequestStats)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64)) // alert payloads are small, 64KB is plenty

	// add health check endpoints to main listener, outside auth
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes behind authentication, roles are checked per route group
	api := alertapi.New(L, alertapi.Deps{
		Workflow:  engine,
		Sweeper:   monitor,
		Analytics: cachedAnalytics,
		Clock:     clock,
	})
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(&appCfg))
		api.RegisterRoutes(r)
	})

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection, outer so downstream middleware
	// and handlers all see the same resolved client ip
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost so they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start alert api HTTP server with middleware and handlers
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	// A second signal skips the wait.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// API first so no new transitions arrive, then the jobs, then whatever
	// notifications are still queued. stopProf is synchronous and needs no
	// context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"background jobs", stopJobs(bgCancel, jobs)},
		{"dispatcher", func(ctx context.Context) error {
			dispatcher.Flush(ctx)
			sinks.closeAll()
			return nil
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// stopJobs cancels the background jobs and waits for them within ctx.
func stopJobs(cancel context.CancelFunc, jobs *errgroup.Group) func(context.Context) error {
	return func(ctx context.Context) error {
		cancel()
		done := make(chan error, 1)
		go func() { done <- jobs.Wait() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dbRequestStats labels DB queries with the HTTP method and records the
// request's query count on its span.
func dbRequestStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := postgres.NewReqDBStatsContext(postgres.WithHTTPMethod(req.Context(), req.Method))
		next.ServeHTTP(w, req.WithContext(ctx))

		stats, _ := postgres.ReqDBStatsFromContext(ctx)
		if span := trace.SpanFromContext(ctx); span.IsRecording() && stats.QueryCount > 0 {
			span.SetAttributes(
				attribute.Int("db.query_count", stats.QueryCount),
				attribute.Int("db.error_count", stats.ErrorCount),
				attribute.Float64("db.total_duration_s", stats.TotalDuration.Seconds()),
			)
		}
	})
}

func authMode(c *vc.Config) string {
	if c.JWTSecret != "" {
		return "jwt"
	}
	return "token"
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd, no context support for unixgram
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
