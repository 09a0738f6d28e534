package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var queryObserver atomic.Pointer[queryObserverHolder]

type ctxKey string

const (
	ctxKeyQuery      ctxKey = "pgx.query"
	ctxKeyHTTPMethod ctxKey = "http.method"
	ctxKeyJob        ctxKey = "db.job"
)

type dbStatsKey struct{}

type queryObserverHolder struct{ QueryObserver }

// queryInfo is stashed between TraceQueryStart and TraceQueryEnd.
type queryInfo struct {
	sql      string
	argCount int
	start    time.Time
	caller   string
	handler  string
}

// ReqDBStats accumulates per-request database query statistics.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, source, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, source, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, source, route, outcome string, dur time.Duration) {
	f(ctx, source, route, outcome, dur)
}

// SetQueryObserver sets the global query observer.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyHTTPMethod, method)
}

// WithJob labels queries issued by a background job (sla sweep, trend
// refresh) so they are attributed to the job rather than "unknown".
func WithJob(ctx context.Context, job string) context.Context {
	if job == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyJob, job)
}

// NewReqDBStatsContext returns a new context with an empty ReqDBStats attached.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from the context, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

// queryLabels derives the observer's source and route labels. Jobs win over
// HTTP so a sweep started from a request handler is still labelled as a job.
func queryLabels(ctx context.Context) (source, route string) {
	if job, ok := ctx.Value(ctxKeyJob).(string); ok {
		return "job", job
	}
	source, _ = ctx.Value(ctxKeyHTTPMethod).(string)
	if source == "" {
		source = "UNKNOWN"
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		route = rc.RoutePattern()
	}
	if route == "" {
		route = "unknown"
	}
	return source, route
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a structured
// log line per query. Bind arguments are never logged since they carry
// beneficiary data; only their count is.
type loggingTracer struct {
	inner     pgx.QueryTracer
	slowQuery time.Duration
}

// wrapQueryTracer wraps an inner tracer with structured logging.
func wrapQueryTracer(inner pgx.QueryTracer, slowQuery time.Duration) pgx.QueryTracer {
	return loggingTracer{inner: inner, slowQuery: slowQuery}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	info := &queryInfo{sql: data.SQL, argCount: len(data.Args), start: time.Now()}
	info.caller, info.handler = findDBCallerAndHandler()

	// inner tracer creates its span first so attributes land on it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, ctxKeyQuery, info)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, 2)
		if info.caller != "" {
			attrs = append(attrs, attribute.String("db.caller", info.caller))
		}
		if info.handler != "" {
			attrs = append(attrs, attribute.String("db.handler", info.handler))
		}
		span.SetAttributes(attrs...)
	}
	return ctx
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	info, _ := ctx.Value(ctxKeyQuery).(*queryInfo)
	if info == nil {
		info = &queryInfo{}
	}
	var dur time.Duration
	if !info.start.IsZero() {
		dur = time.Since(info.start)
	}

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	if obs := getQueryObserver(); obs != nil {
		source, route := queryLabels(ctx)
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, source, route, outcome, dur)
	}

	slow := t.slowQuery > 0 && dur >= t.slowQuery
	if data.Err == nil && t.slowQuery > 0 && !slow {
		return
	}

	fields := []any{
		"db.statement", info.sql,
		"db.arg_count", info.argCount,
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if parts := strings.Fields(tag); len(parts) > 0 {
			fields = append(fields, "db.operation.name", strings.ToUpper(parts[0]))
		}
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if info.caller != "" {
		fields = append(fields, "db.caller", info.caller)
	}
	if info.handler != "" {
		fields = append(fields, "db.handler", info.handler)
	}

	L := log.FromContext(ctx)
	switch {
	case data.Err != nil:
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
	case slow:
		L.Warn(ctx, "slow db query", fields...)
	default:
		L.Info(ctx, "db query", fields...)
	}
}

// findDBCallerAndHandler walks the stack to find:
//   - caller: the store function actually issuing the query
//   - handler: the next meaningful frame above that (engine op or HTTP handler)
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	gotCaller := false
	for {
		fr, more := frames.Next()
		fn := fr.Function

		if strings.HasPrefix(fn, "runtime.") ||
			strings.Contains(fn, "github.com/jackc/pgx/v5") ||
			strings.Contains(fn, "github.com/exaring/otelpgx") ||
			strings.Contains(fn, "loggingTracer.TraceQuery") {
			if !more {
				break
			}
			continue
		}

		if !gotCaller {
			caller = shortenFuncName(fn)
			gotCaller = true
		} else if !strings.Contains(fn, "clinalert/internal/alerting/pgstore.") &&
			!strings.Contains(fn, "clinalert/internal/postgres.") {
			handler = shortenFuncName(fn)
			break
		}
		if !more {
			break
		}
	}
	return caller, handler
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
