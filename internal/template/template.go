package template

import (
	"time"
)

// Template is reusable message content with named placeholders.
// Templates are versionless: edits mutate in place.
type Template struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`

	// Subject is used by channels with structured content (email);
	// plain-text channels ignore it.
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`

	Category string `json:"category,omitempty"`
	Language string `json:"language,omitempty"`

	// Variables documents the placeholder names the author declared.
	Variables []string `json:"variables,omitempty"`

	// UsageCount increments each time a campaign or rule uses the
	// template.
	UsageCount int64 `json:"usage_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Content is a rendered message. Body is always set; Subject only for
// channels with structured content.
type Content struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// ListFilter restricts template listings.
type ListFilter struct {
	TenantID string
	Category string
	Limit    int
	Offset   int
}
