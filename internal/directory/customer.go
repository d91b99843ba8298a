package directory

import (
	"time"
)

// Customer is a directory record as seen by the messaging core.
// The directory is owned by the CRM side of the platform; this core
// only ever reads it.
type Customer struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`

	// Per-channel identifiers. An empty identifier means the customer
	// is not reachable on that channel.
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
	LineUserID  string `json:"line_user_id,omitempty"`
	InstagramID string `json:"instagram_id,omitempty"`

	// OptIns maps channel name ("sms", "email", "line", "instagram")
	// to consent. A missing entry means not opted in.
	OptIns map[string]bool `json:"opt_ins,omitempty"`

	// PreferredChannel is the customer's declared channel preference,
	// empty when none was declared.
	PreferredChannel string `json:"preferred_channel,omitempty"`

	Birthday   *time.Time `json:"birthday,omitempty"`
	LastVisit  *time.Time `json:"last_visit,omitempty"`
	VisitCount int        `json:"visit_count"`

	Tags []string `json:"tags,omitempty"`

	// Attributes holds free-form profile fields used by template
	// placeholders and targeting predicates.
	Attributes map[string]string `json:"attributes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullName returns the customer's display name.
func (c *Customer) FullName() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.LastName
	}
}

// OptedIn reports whether the customer consented to the channel.
func (c *Customer) OptedIn(channel string) bool {
	return c.OptIns[channel]
}

// Identifier returns the customer's identifier for the channel, empty
// when the customer is not reachable on it.
func (c *Customer) Identifier(channel string) string {
	switch channel {
	case "sms":
		return c.Phone
	case "email":
		return c.Email
	case "line":
		return c.LineUserID
	case "instagram":
		return c.InstagramID
	}
	return ""
}

// ListFilter restricts directory listings.
type ListFilter struct {
	TenantID string
	Limit    int
	Offset   int
}
