// Package scoring is the HTTP client for the external Risk Scorer and
// Predictive Service.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

const (
	defaultTimeout = 10 * time.Second
	defaultRetries = 2
)

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Retries int
	// HTTPClient replaces the transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the scoring service over HTTP.
type Client struct {
	http   *resty.Client
	logger log.Logger
}

// APIError is a non-2xx response from the scoring service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("scoring service returned %d", e.Status)
	}
	return fmt.Sprintf("scoring service returned %d: %s", e.Status, e.Message)
}

// ErrNotFound is returned when the questionnaire is unknown to the scorer.
var ErrNotFound = errors.New("questionnaire not found")

// New creates a Client. BaseURL is required.
func New(opts Options, logger log.Logger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("scoring base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("parse scoring base url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = defaultRetries
	}
	if logger == nil {
		logger = log.Nop()
	}

	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		rc.SetAuthToken(opts.Token)
	}

	return &Client{http: rc, logger: logger}, nil
}

type errorBody struct {
	Error string `json:"error"`
}

type scoreResponse struct {
	Overall    float64            `json:"overall"`
	Categories map[string]float64 `json:"categories"`
}

// Score fetches the risk score of a completed questionnaire.
func (c *Client) Score(ctx context.Context, questionnaireID string) (*alerting.RiskScore, error) {
	var out scoreResponse
	var fail errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", questionnaireID).
		SetResult(&out).
		SetError(&fail).
		Get("/v1/questionnaires/{id}/risk-score")
	if err != nil {
		return nil, fmt.Errorf("score questionnaire %s: %w", questionnaireID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("score questionnaire %s: %w", questionnaireID, ErrNotFound)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("score questionnaire %s: %w", questionnaireID, &APIError{Status: resp.StatusCode(), Message: fail.Error})
	}
	if out.Overall < 0 {
		return nil, fmt.Errorf("score questionnaire %s: negative overall score %v", questionnaireID, out.Overall)
	}

	c.logger.Info(ctx, "questionnaire scored", "questionnaire_id", questionnaireID, "overall", out.Overall, "duration_ms", resp.Time().Milliseconds())
	return &alerting.RiskScore{Overall: out.Overall, Categories: out.Categories}, nil
}

// PopulationTrends requests population projections for the given aggregates.
func (c *Client) PopulationTrends(ctx context.Context, req alerting.TrendRequest) (*alerting.PopulationTrends, error) {
	var out alerting.PopulationTrends
	var fail errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&out).
		SetError(&fail).
		Post("/v1/population/trends")
	if err != nil {
		return nil, fmt.Errorf("population trends: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("population trends: %w", &APIError{Status: resp.StatusCode(), Message: fail.Error})
	}
	return &out, nil
}

type populationResponse struct {
	Total int `json:"total"`
}

// TotalBeneficiaries reports the enrolled population size.
func (c *Client) TotalBeneficiaries(ctx context.Context) (int, error) {
	var out populationResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/population/size")
	if err != nil {
		return 0, fmt.Errorf("population size: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("population size: %w", &APIError{Status: resp.StatusCode()})
	}
	return out.Total, nil
}

var (
	_ alerting.RiskScorer        = (*Client)(nil)
	_ alerting.PredictiveService = (*Client)(nil)
	_ alerting.PopulationSource  = (*Client)(nil)
)
