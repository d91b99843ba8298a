// Package targeting evaluates audience criteria against the customer
// directory and produces the eligible recipient set for a campaign or
// automation rule.
package targeting

import (
	"strings"
	"time"

	"github.com/salonhq/outreach/internal/directory"
)

// Logic combines conditions within a group.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Kind identifies a predicate over customer attributes.
type Kind string

const (
	// Visit behavior
	KindLastVisitWithinDays Kind = "last_visit_within_days"
	KindNoVisitForDays      Kind = "no_visit_for_days"
	KindVisitCountGte       Kind = "visit_count_gte"
	KindVisitCountLte       Kind = "visit_count_lte"
	KindNeverVisited        Kind = "never_visited"

	// Birthday
	KindBirthdayWithinDays Kind = "birthday_within_days"
	KindBirthdayMonth      Kind = "birthday_month"

	// Tags
	KindTagAny  Kind = "tag_any"
	KindTagAll  Kind = "tag_all"
	KindTagNone Kind = "tag_none"

	// Profile attributes
	KindAttributeEquals   Kind = "attribute_equals"
	KindAttributeContains Kind = "attribute_contains"

	// Channel consent
	KindOptedIn Kind = "opted_in"
)

// Condition is a single predicate. Unknown kinds never match.
type Condition struct {
	Kind   Kind     `json:"kind"`
	Field  string   `json:"field,omitempty"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
	Days   int      `json:"days,omitempty"`
	Count  int      `json:"count,omitempty"`
}

// Criteria is a predicate tree: conditions and nested groups combined
// with a logic operator. An empty tree matches every customer.
type Criteria struct {
	Logic      Logic       `json:"logic,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
	Groups     []Criteria  `json:"groups,omitempty"`
}

// IsEmpty reports whether the tree carries no predicates.
func (c Criteria) IsEmpty() bool {
	return len(c.Conditions) == 0 && len(c.Groups) == 0
}

// Match evaluates the tree against a customer at the given time.
func (c Criteria) Match(customer *directory.Customer, now time.Time) bool {
	if c.IsEmpty() {
		return true
	}

	logic := c.Logic
	if logic == "" {
		logic = LogicAnd
	}

	results := make([]bool, 0, len(c.Conditions)+len(c.Groups))
	for _, cond := range c.Conditions {
		results = append(results, cond.match(customer, now))
	}
	for _, group := range c.Groups {
		results = append(results, group.Match(customer, now))
	}

	if logic == LogicOr {
		for _, r := range results {
			if r {
				return true
			}
		}
		return false
	}

	for _, r := range results {
		if !r {
			return false
		}
	}
	return true
}

func (cond Condition) match(customer *directory.Customer, now time.Time) bool {
	switch cond.Kind {
	case KindLastVisitWithinDays:
		if customer.LastVisit == nil || cond.Days <= 0 {
			return false
		}
		return now.Sub(*customer.LastVisit) <= time.Duration(cond.Days)*24*time.Hour

	case KindNoVisitForDays:
		if cond.Days <= 0 {
			return false
		}
		if customer.LastVisit == nil {
			return true
		}
		return now.Sub(*customer.LastVisit) > time.Duration(cond.Days)*24*time.Hour

	case KindVisitCountGte:
		return customer.VisitCount >= cond.Count

	case KindVisitCountLte:
		return customer.VisitCount <= cond.Count

	case KindNeverVisited:
		return customer.LastVisit == nil && customer.VisitCount == 0

	case KindBirthdayWithinDays:
		return birthdayWithin(customer.Birthday, now, cond.Days)

	case KindBirthdayMonth:
		return customer.Birthday != nil && int(customer.Birthday.Month()) == cond.Count

	case KindTagAny:
		return containsAny(customer.Tags, cond.Values)

	case KindTagAll:
		return containsAll(customer.Tags, cond.Values)

	case KindTagNone:
		return !containsAny(customer.Tags, cond.Values)

	case KindAttributeEquals:
		return customer.Attributes[cond.Field] == cond.Value

	case KindAttributeContains:
		return cond.Value != "" && strings.Contains(customer.Attributes[cond.Field], cond.Value)

	case KindOptedIn:
		return customer.OptedIn(cond.Value)
	}

	// Unknown predicate kinds fail closed.
	return false
}

// birthdayWithin reports whether the next anniversary of birthday
// falls within the next days (inclusive of today).
func birthdayWithin(birthday *time.Time, now time.Time, days int) bool {
	if birthday == nil || days < 0 {
		return false
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	next := time.Date(now.Year(), birthday.Month(), birthday.Day(), 0, 0, 0, 0, now.Location())
	if next.Before(today) {
		next = next.AddDate(1, 0, 0)
	}

	return !next.After(today.AddDate(0, 0, days))
}

func containsAny(have, want []string) bool {
	if len(want) == 0 {
		return false
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if set[t] {
			return true
		}
	}
	return false
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return false
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// Validate returns human-readable problems with the tree. It is used
// by the API layer to reject bad rules before persistence.
func (c Criteria) Validate() []string {
	var problems []string

	if c.Logic != "" && c.Logic != LogicAnd && c.Logic != LogicOr {
		problems = append(problems, "logic must be \"and\" or \"or\"")
	}

	for _, cond := range c.Conditions {
		switch cond.Kind {
		case KindLastVisitWithinDays, KindNoVisitForDays, KindBirthdayWithinDays:
			if cond.Days <= 0 {
				problems = append(problems, string(cond.Kind)+" requires days > 0")
			}
		case KindBirthdayMonth:
			if cond.Count < 1 || cond.Count > 12 {
				problems = append(problems, "birthday_month requires count between 1 and 12")
			}
		case KindTagAny, KindTagAll, KindTagNone:
			if len(cond.Values) == 0 {
				problems = append(problems, string(cond.Kind)+" requires at least one value")
			}
		case KindAttributeEquals, KindAttributeContains:
			if cond.Field == "" {
				problems = append(problems, string(cond.Kind)+" requires a field")
			}
		case KindOptedIn:
			if cond.Value == "" {
				problems = append(problems, "opted_in requires a channel value")
			}
		case KindVisitCountGte, KindVisitCountLte, KindNeverVisited:
			// No extra inputs.
		default:
			problems = append(problems, "unknown condition kind: "+string(cond.Kind))
		}
	}

	for _, group := range c.Groups {
		problems = append(problems, group.Validate()...)
	}

	return problems
}
