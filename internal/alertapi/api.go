package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/clinalert/internal/alerting"
	"github.com/linnemanlabs/clinalert/internal/analytics"
	"github.com/linnemanlabs/clinalert/internal/authmw"
	"github.com/linnemanlabs/clinalert/internal/sla"
)

const maxBodyBytes = 1 << 20

// Workflow defines the alert operations alertapi needs.
type Workflow interface {
	CreateAlert(ctx context.Context, req alerting.CreateRequest) (*alerting.CreateResult, error)
	CreateAlertFromAssessment(ctx context.Context, beneficiaryID, questionnaireID string) (*alerting.CreateResult, error)
	Acknowledge(ctx context.Context, alertID string, actor alerting.Actor) (*alerting.Alert, error)
	PlanIntervention(ctx context.Context, alertID string, actor alerting.Actor, req alerting.InterventionRequest) (*alerting.Alert, error)
	Resolve(ctx context.Context, alertID string, actor alerting.Actor, req alerting.ResolveRequest) (*alerting.Alert, error)
	GetAlert(ctx context.Context, alertID string) (*alerting.Alert, error)
	ListAlerts(ctx context.Context, f alerting.AlertFilter) ([]*alerting.Alert, error)
	Events(ctx context.Context, alertID string) ([]*alerting.WorkflowEvent, error)
}

// Sweeper runs one SLA sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (*sla.SweepResult, error)
}

// Deps are the services behind the API. Workflow is required; routes for a
// nil Sweeper or Analytics are not registered.
type Deps struct {
	Workflow  Workflow
	Sweeper   Sweeper
	Analytics analytics.Service
	Clock     alerting.Clock
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger    log.Logger
	workflow  Workflow
	sweeper   Sweeper
	analytics analytics.Service
	clock     alerting.Clock
}

// New creates a new API handler.
func New(logger log.Logger, deps Deps) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if deps.Workflow == nil {
		panic(xerrors.New("alert workflow is required"))
	}
	if deps.Clock == nil {
		deps.Clock = alerting.SystemClock
	}
	return &API{
		logger:    logger,
		workflow:  deps.Workflow,
		sweeper:   deps.Sweeper,
		analytics: deps.Analytics,
		clock:     deps.Clock,
	}
}

// RegisterRoutes attaches API endpoints to the router. Callers must install
// an authentication middleware that places the actor in the request context.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireAnyRole(authmw.RoleClinician, authmw.RoleAdmin))
			r.Post("/assessments/{questionnaireID}/alerts", a.handleCreateFromAssessment)
			r.Post("/alerts", a.handleCreateAlert)
			r.Get("/alerts", a.handleListAlerts)
			r.Get("/alerts/{id}", a.handleGetAlert)
			r.Get("/alerts/{id}/events", a.handleListEvents)
			r.Post("/alerts/{id}/acknowledge", a.handleAcknowledge)
			r.Post("/alerts/{id}/interventions", a.handlePlanIntervention)
			r.Post("/alerts/{id}/resolve", a.handleResolve)
		})

		if a.sweeper != nil {
			r.With(authmw.RequireAnyRole(authmw.RoleAdmin)).Post("/sla/sweep", a.handleSweep)
		}

		if a.analytics != nil {
			r.Group(func(r chi.Router) {
				r.Use(authmw.RequireAnyRole(authmw.RoleAnalyst, authmw.RoleAdmin))
				r.Get("/analytics/dashboard", a.handleDashboard)
				r.Get("/analytics/population", a.handlePopulation)
			})
		}
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps engine error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, alerting.ErrAlertNotFound):
		return http.StatusNotFound
	case errors.Is(err, alerting.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, alerting.ErrInvalidTransition), errors.Is(err, alerting.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, alerting.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err to the client. Server-side failures are logged and
// their detail withheld.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusFor(err)
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("clinalert.error.kind", alerting.ResultLabel(err)))

	if status >= http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg)
		text := "internal error"
		if status == http.StatusServiceUnavailable {
			text = "service unavailable"
		}
		writeJSON(w, status, errorResponse{Error: text, Kind: alerting.ResultLabel(err)})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: alerting.ResultLabel(err)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: "validation"})
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "invalid payload: "+err.Error())
		return false
	}
	return true
}

func actorFrom(w http.ResponseWriter, r *http.Request) (alerting.Actor, bool) {
	actor, ok := authmw.ActorFromContext(r.Context())
	if !ok || actor.ID == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return alerting.Actor{}, false
	}
	return actor, true
}
