// Package slack posts clinical alert workflow events to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/clinalert/internal/alerting"
)

const (
	maxNotesLen = 3000
	httpTimeout = 10 * time.Second
)

// DefaultActions are the workflow actions posted when no filter is given.
var DefaultActions = []alerting.ActionType{
	alerting.ActionCreated,
	alerting.ActionSLAEscalation,
	alerting.ActionResolved,
}

// Notifier posts workflow events to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	actions    map[alerting.ActionType]bool
	logger     log.Logger
}

// New creates a Slack notifier for the given actions, or DefaultActions when
// none are given. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger, actions ...alerting.ActionType) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	if len(actions) == 0 {
		actions = DefaultActions
	}
	set := make(map[alerting.ActionType]bool, len(actions))
	for _, a := range actions {
		set[a] = true
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		actions:    set,
		logger:     logger,
	}
}

func (n *Notifier) Name() string { return "slack" }

// Notify posts the event to the configured Slack webhook.
func (n *Notifier) Notify(ctx context.Context, note *alerting.Notification) error {
	if n.webhookURL == "" || note == nil || note.Alert == nil || note.Event == nil {
		return nil
	}
	if !n.actions[note.Event.Action] {
		return nil
	}

	body, err := json.Marshal(buildMessage(note))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(n *alerting.Notification) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(n),
			{"type": "divider"},
			fieldsBlock(n),
			{"type": "divider"},
			notesBlock(n),
			{"type": "divider"},
			contextBlock(n),
		},
	}
}

func headerBlock(n *alerting.Notification) map[string]any {
	var title string
	switch n.Event.Action {
	case alerting.ActionCreated:
		title = "New clinical alert"
	case alerting.ActionSLAEscalation:
		title = "SLA breached, alert escalated"
	case alerting.ActionResolved:
		title = "Alert resolved"
	case alerting.ActionAcknowledged:
		title = "Alert acknowledged"
	case alerting.ActionInterventionPlanned:
		title = "Intervention planned"
	default:
		title = string(n.Event.Action)
	}
	text := fmt.Sprintf("%s %s: %s", priorityEmoji(n.Alert.Priority), title, n.Alert.Category)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(n *alerting.Notification) map[string]any {
	a := n.Alert
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Priority:* %s", a.Priority)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Status:* %s", a.Status)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Beneficiary:* %s", a.BeneficiaryID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Risk score:* %.0f", a.RiskSnapshot.Overall)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*By:* %s", n.Event.PerformedBy)},
	}
	if a.SLABreached {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Escalation level:* %d", a.EscalationLevel)})
	}
	if n.Event.Outcome != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Outcome:* %s", n.Event.Outcome)})
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func notesBlock(n *alerting.Notification) map[string]any {
	text := truncate(n.Event.Notes, maxNotesLen)
	if text == "" {
		text = "_No notes._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Notes*\n\n%s", text),
		},
	}
}

func contextBlock(n *alerting.Notification) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("clinalert • alert %s • event %d • %s", n.Alert.ID, n.Event.Seq, n.Event.PerformedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func priorityEmoji(p alerting.Priority) string {
	switch p {
	case alerting.PriorityEmergency, alerting.PriorityCritical:
		return "\U0001f534" // red circle
	case alerting.PriorityHigh:
		return "\U0001f7e0" // orange circle
	case alerting.PriorityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

var _ alerting.Notifier = (*Notifier)(nil)
