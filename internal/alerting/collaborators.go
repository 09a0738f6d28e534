package alerting

import (
	"context"
	"time"
)

// RiskScorer scores a completed health questionnaire.
type RiskScorer interface {
	Score(ctx context.Context, questionnaireID string) (*RiskScore, error)
}

// PopulationSource reports the size of the beneficiary population for coverage rates.
type PopulationSource interface {
	TotalBeneficiaries(ctx context.Context) (int, error)
}

// StaticPopulation is a fixed population size, typically from configuration.
type StaticPopulation int

func (p StaticPopulation) TotalBeneficiaries(context.Context) (int, error) { return int(p), nil }

// TrendRequest is the input to a population trend projection. Aggregates carries
// the current analytics figures a projection is conditioned on.
type TrendRequest struct {
	From       time.Time          `json:"from"`
	To         time.Time          `json:"to"`
	Categories []string           `json:"categories,omitempty"`
	Aggregates map[string]float64 `json:"aggregates,omitempty"`
}

// PopulationTrends is the Predictive Service output consumed by analytics.
type PopulationTrends struct {
	Predictions               []TrendPrediction `json:"predictions"`
	InterventionOpportunities []Opportunity     `json:"intervention_opportunities"`
	EmergingRisks             []EmergingRisk    `json:"emerging_risks"`
	CostImpact                CostImpact        `json:"cost_impact"`
	GeneratedAt               time.Time         `json:"generated_at"`
}

type TrendPrediction struct {
	Category      string  `json:"category"`
	Horizon       string  `json:"horizon"`
	ProjectedRate float64 `json:"projected_rate"`
	Confidence    float64 `json:"confidence"`
}

type Opportunity struct {
	Category       string `json:"category"`
	Description    string `json:"description"`
	EstimatedReach int    `json:"estimated_reach"`
}

type EmergingRisk struct {
	Category string `json:"category"`
	Signal   string `json:"signal"`
	Severity string `json:"severity"`
}

type CostImpact struct {
	EstimatedSavings float64 `json:"estimated_savings"`
	Currency         string  `json:"currency,omitempty"`
	Notes            string  `json:"notes,omitempty"`
}

// PredictiveService supplies forward-looking population projections.
type PredictiveService interface {
	PopulationTrends(ctx context.Context, req TrendRequest) (*PopulationTrends, error)
}
