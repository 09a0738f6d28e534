// Package claude implements a PredictiveService backed by the Anthropic
// Messages API. The model is given the current population aggregates and
// asked for trend projections in a fixed JSON shape.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

const (
	DefaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 2048
	defaultTimeout   = 120 * time.Second
)

const systemPrompt = `You are a population health analyst. Given aggregate clinical alert
statistics for a beneficiary population, project risk trends for the next 90 days.
Respond with a single JSON object and nothing else, using exactly these keys:
{"predictions":[{"category":"","horizon":"","projected_rate":0,"confidence":0}],
"intervention_opportunities":[{"category":"","description":"","estimated_reach":0}],
"emerging_risks":[{"category":"","signal":"","severity":"low|moderate|high"}],
"cost_impact":{"estimated_savings":0,"currency":"USD","notes":""}}
Use only the categories provided. Rates and confidences are fractions between 0 and 1.`

// Options configures a Client.
type Options struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
	Timeout time.Duration
}

// Client implements alerting.PredictiveService for the Claude API.
type Client struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
	logger    log.Logger
}

// New creates a Claude-backed predictive service.
func New(opts Options, logger log.Logger) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("claude api key is required")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = log.Nop()
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithRequestTimeout(opts.Timeout),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL), option.WithMaxRetries(0))
	}

	return &Client{
		sdk:       anthropic.NewClient(reqOpts...),
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		logger:    logger,
	}, nil
}

// PopulationTrends asks the model for projections conditioned on req.
func (c *Client) PopulationTrends(ctx context.Context, req alerting.TrendRequest) (*alerting.PopulationTrends, error) {
	start := time.Now()
	msg, err := c.sdk.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}

	trends, err := fromSDKResponse(msg)
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "population trends generated",
		"model", c.model,
		"input_tokens", msg.Usage.InputTokens,
		"output_tokens", msg.Usage.OutputTokens,
		"predictions", len(trends.Predictions),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return trends, nil
}

func (c *Client) buildParams(req alerting.TrendRequest) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(renderPrompt(req))),
		},
	}
}

// renderPrompt lays out the request deterministically so identical inputs
// produce identical prompts.
func renderPrompt(req alerting.TrendRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Window: %s to %s\n", req.From.UTC().Format(time.RFC3339), req.To.UTC().Format(time.RFC3339))
	if len(req.Categories) > 0 {
		fmt.Fprintf(&b, "Categories: %s\n", strings.Join(req.Categories, ", "))
	}
	keys := make([]string, 0, len(req.Aggregates))
	for k := range req.Aggregates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("Aggregates:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %g\n", k, req.Aggregates[k])
	}
	return b.String()
}

// fromSDKResponse extracts the JSON object from the text content of msg.
func fromSDKResponse(msg *anthropic.Message) (*alerting.PopulationTrends, error) {
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	raw := stripFences(text.String())
	if raw == "" {
		return nil, fmt.Errorf("claude returned no text content (stop reason %q)", msg.StopReason)
	}

	var out alerting.PopulationTrends
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode trends: %w", err)
	}
	return &out, nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var _ alerting.PredictiveService = (*Client)(nil)
