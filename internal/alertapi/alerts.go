package alertapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

type createResponse struct {
	ID      string          `json:"id,omitempty"`
	Created bool            `json:"created"`
	Reason  string          `json:"reason,omitempty"`
	Bucket  alerting.Bucket `json:"bucket"`
}

func writeCreateResult(w http.ResponseWriter, res *alerting.CreateResult) {
	status := http.StatusCreated
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, createResponse{ID: res.ID, Created: !res.Skipped, Reason: res.Reason, Bucket: res.Bucket})
}

type assessmentRequest struct {
	BeneficiaryID string `json:"beneficiary_id"`
}

func (a *API) handleCreateFromAssessment(w http.ResponseWriter, r *http.Request) {
	qid := chi.URLParam(r, "questionnaireID")
	var req assessmentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.BeneficiaryID == "" {
		badRequest(w, "beneficiary_id is required")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("clinalert.questionnaire.id", qid))

	res, err := a.workflow.CreateAlertFromAssessment(r.Context(), req.BeneficiaryID, qid)
	if err != nil {
		if alerting.ResultLabel(err) == "error" {
			// not a domain error: the risk scorer failed
			a.logger.Error(r.Context(), err, "risk scoring failed", "questionnaire_id", qid)
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: "risk scorer unavailable", Kind: "upstream"})
			return
		}
		a.writeError(w, r, err, "create alert from assessment failed")
		return
	}
	span.SetAttributes(attribute.String("clinalert.bucket", string(res.Bucket)))
	writeCreateResult(w, res)
}

type createAlertRequest struct {
	BeneficiaryID   string             `json:"beneficiary_id"`
	QuestionnaireID string             `json:"questionnaire_id"`
	Category        string             `json:"category"`
	Overall         float64            `json:"overall"`
	Categories      map[string]float64 `json:"categories,omitempty"`
}

func (a *API) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req createAlertRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := a.workflow.CreateAlert(r.Context(), alerting.CreateRequest{
		BeneficiaryID:   req.BeneficiaryID,
		QuestionnaireID: req.QuestionnaireID,
		Category:        req.Category,
		Score:           alerting.RiskScore{Overall: req.Overall, Categories: req.Categories},
		PerformedBy:     actor.ID,
	})
	if err != nil {
		a.writeError(w, r, err, "create alert failed")
		return
	}
	writeCreateResult(w, res)
}

// splitList parses a comma-separated query value.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alerting.AlertFilter{
		BeneficiaryID: q.Get("beneficiary_id"),
		Category:      q.Get("category"),
	}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, alerting.Status(s))
	}
	for _, p := range splitList(q.Get("priority")) {
		f.Priorities = append(f.Priorities, alerting.Priority(p))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			badRequest(w, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}

	alerts, err := a.workflow.ListAlerts(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err, "list alerts failed")
		return
	}
	if alerts == nil {
		alerts = []*alerting.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("clinalert.alert.id", id))

	al, err := a.workflow.GetAlert(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "get alert failed")
		return
	}

	span.SetAttributes(attribute.String("clinalert.alert.status", string(al.Status)))
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := a.workflow.Events(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "list events failed")
		return
	}
	if events == nil {
		events = []*alerting.WorkflowEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// transitioned records the new state on the span and writes it.
func transitioned(w http.ResponseWriter, r *http.Request, al *alerting.Alert) {
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("clinalert.alert.id", al.ID),
		attribute.String("clinalert.alert.status", string(al.Status)),
	)
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	al, err := a.workflow.Acknowledge(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		a.writeError(w, r, err, "acknowledge failed")
		return
	}
	transitioned(w, r, al)
}

type interventionRequest struct {
	Type            string     `json:"type"`
	Description     string     `json:"description"`
	ResourcesNeeded []string   `json:"resources_needed"`
	ExpectedOutcome string     `json:"expected_outcome"`
	AssignTo        string     `json:"assign_to"`
	Notes           string     `json:"notes"`
	NextReviewDate  *time.Time `json:"next_review_date"`
}

func (a *API) handlePlanIntervention(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req interventionRequest
	if !decode(w, r, &req) {
		return
	}

	al, err := a.workflow.PlanIntervention(r.Context(), chi.URLParam(r, "id"), actor, alerting.InterventionRequest{
		Intervention: alerting.Intervention{
			Type:            req.Type,
			Description:     req.Description,
			ResourcesNeeded: req.ResourcesNeeded,
			ExpectedOutcome: req.ExpectedOutcome,
		},
		AssignTo:       req.AssignTo,
		Notes:          req.Notes,
		NextReviewDate: req.NextReviewDate,
	})
	if err != nil {
		a.writeError(w, r, err, "plan intervention failed")
		return
	}
	transitioned(w, r, al)
}

type resolveRequest struct {
	Notes          string             `json:"notes"`
	Outcome        alerting.Outcome   `json:"outcome"`
	Metrics        map[string]float64 `json:"metrics"`
	NextReviewDate *time.Time         `json:"next_review_date"`
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if !decode(w, r, &req) {
		return
	}

	al, err := a.workflow.Resolve(r.Context(), chi.URLParam(r, "id"), actor, alerting.ResolveRequest{
		Notes:          req.Notes,
		Outcome:        req.Outcome,
		Metrics:        req.Metrics,
		NextReviewDate: req.NextReviewDate,
	})
	if err != nil {
		a.writeError(w, r, err, "resolve failed")
		return
	}
	transitioned(w, r, al)
}
