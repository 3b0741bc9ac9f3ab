package model

import "strings"

// Placeholder is replaced by the source event's text when rendering a rule
// template.
const Placeholder = "%original%"

// DefaultSummary is used when neither the template nor the source provide text.
const DefaultSummary = "Blocker"

// SyncRule is a directed source -> destination link between two calendars.
// Summary and Description are optional templates; "" means absent.
type SyncRule struct {
	ID            string `json:"id"`
	SourceID      string `json:"source_id"`
	DestinationID string `json:"destination_id"`
	Summary       string `json:"summary,omitempty"`
	Description   string `json:"description,omitempty"`
	Deleted       bool   `json:"deleted"`
}

// RenderSummary returns the summary written on a mirrored copy.
func (r SyncRule) RenderSummary(source string) string {
	if out := render(r.Summary, source); out != "" {
		return out
	}
	return DefaultSummary
}

// RenderDescription returns the description written on a mirrored copy, or ""
// when there is none.
func (r SyncRule) RenderDescription(source string) string {
	return render(r.Description, source)
}

func render(template, source string) string {
	if template == "" {
		return ""
	}
	if !strings.Contains(template, Placeholder) {
		return template
	}
	if source == "" {
		return ""
	}
	return strings.ReplaceAll(template, Placeholder, source)
}

// ValidateRule checks a candidate rule against its two calendars and the rules
// already stored for the same source.
func ValidateRule(rule SyncRule, source, destination CalendarNode, existing []SyncRule) error {
	if rule.SourceID == "" || rule.DestinationID == "" {
		return &ValidationError{Field: "rule", Message: "source and destination are required"}
	}
	if source.ID == destination.ID {
		return &ValidationError{Field: "destination", Message: "source and destination calendars must differ"}
	}
	if destination.ReadOnly {
		return &ValidationError{Field: "destination", Message: "destination calendar is read-only"}
	}
	for _, r := range existing {
		if r.Deleted || r.ID == rule.ID {
			continue
		}
		if r.SourceID == rule.SourceID && r.DestinationID == rule.DestinationID {
			return &ValidationError{Field: "rule", Message: "a rule between these calendars already exists"}
		}
	}
	return nil
}
