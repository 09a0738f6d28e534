package alerting

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
)

// MetadataVersion is the schema version written by this build.
const MetadataVersion = 1

// Metadata is the tagged structured payload attached to a WorkflowEvent.
// Only the field matching the event's action is populated. Rows written before
// versioning carried a bare intervention object and decode as version 0, which
// UnmarshalJSON upgrades in place.
type Metadata struct {
	Version      int               `json:"v"`
	Intervention *Intervention     `json:"intervention,omitempty"`
	Escalation   *EscalationDetail `json:"escalation,omitempty"`
	Risk         *RiskSnapshot     `json:"risk,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Intervention is a planned clinical action recorded against an alert.
type Intervention struct {
	Type            string   `json:"type"`
	Description     string   `json:"description"`
	ResourcesNeeded []string `json:"resources_needed,omitempty"`
	ExpectedOutcome string   `json:"expected_outcome,omitempty"`
}

// Validate checks the intervention carries the fields a clinician needs to act on it.
func (iv *Intervention) Validate() error {
	var errs []error
	if strings.TrimSpace(iv.Type) == "" {
		errs = append(errs, errors.New("intervention type is required"))
	}
	if strings.TrimSpace(iv.Description) == "" {
		errs = append(errs, errors.New("intervention description is required"))
	}
	for i, r := range iv.ResourcesNeeded {
		if strings.TrimSpace(r) == "" {
			errs = append(errs, fmt.Errorf("resources_needed[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}

// EscalationDetail records what an SLA escalation changed.
type EscalationDetail struct {
	FromPriority Priority `json:"from_priority"`
	ToPriority   Priority `json:"to_priority"`
	Level        int      `json:"level"`
	ElapsedSec   int64    `json:"elapsed_seconds"`
	WindowSec    int64    `json:"window_seconds"`
}

// RiskSnapshot is the immutable score captured when an alert is created.
type RiskSnapshot struct {
	Overall    float64            `json:"overall"`
	Categories map[string]float64 `json:"categories,omitempty"`
	Bucket     Bucket             `json:"bucket"`
}

func (r RiskSnapshot) clone() RiskSnapshot {
	r.Categories = maps.Clone(r.Categories)
	return r
}

// legacyIntervention is the pre-versioning shape: intervention fields at the top level.
type legacyIntervention struct {
	Type            string   `json:"type"`
	Description     string   `json:"description"`
	ResourcesNeeded []string `json:"resources_needed"`
	ExpectedOutcome string   `json:"expected_outcome"`
}

// UnmarshalJSON decodes any known metadata version and upgrades it to the current one.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	var probe struct {
		Version *int `json:"v"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	if probe.Version == nil {
		var legacy legacyIntervention
		if err := json.Unmarshal(b, &legacy); err != nil {
			return fmt.Errorf("decode legacy metadata: %w", err)
		}
		*m = Metadata{Version: MetadataVersion}
		if legacy.Type != "" || legacy.Description != "" {
			m.Intervention = &Intervention{
				Type:            legacy.Type,
				Description:     legacy.Description,
				ResourcesNeeded: legacy.ResourcesNeeded,
				ExpectedOutcome: legacy.ExpectedOutcome,
			}
		}
		return nil
	}

	if *probe.Version > MetadataVersion {
		return fmt.Errorf("metadata version %d is newer than supported version %d", *probe.Version, MetadataVersion)
	}

	type alias Metadata
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return fmt.Errorf("decode metadata v%d: %w", *probe.Version, err)
	}
	*m = Metadata(a)
	m.Version = MetadataVersion
	return nil
}

// ParseMetadata decodes a stored metadata blob. Empty input yields empty current-version metadata.
func ParseMetadata(b []byte) (Metadata, error) {
	if len(b) == 0 || string(b) == "null" {
		return Metadata{Version: MetadataVersion}, nil
	}
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

func (m Metadata) clone() Metadata {
	if m.Intervention != nil {
		iv := *m.Intervention
		iv.ResourcesNeeded = append([]string(nil), m.Intervention.ResourcesNeeded...)
		m.Intervention = &iv
	}
	if m.Escalation != nil {
		esc := *m.Escalation
		m.Escalation = &esc
	}
	if m.Risk != nil {
		r := m.Risk.clone()
		m.Risk = &r
	}
	m.Attributes = maps.Clone(m.Attributes)
	return m
}
