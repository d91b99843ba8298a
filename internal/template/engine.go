package template

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/salonhq/outreach/internal/directory"
)

// placeholder pattern: {field_name}
var varPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Engine resolves {placeholder} tokens against recipient records.
// Rendering is a pure function: no I/O, no failure. A placeholder the
// recipient has no value for renders to the empty string so that one
// incomplete profile never aborts a batch.
type Engine struct{}

// NewEngine creates a template engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Render renders subject and body independently with the same
// substitution rules.
func (e *Engine) Render(tmpl *Template, customer *directory.Customer) Content {
	vars := e.variables(customer)
	return Content{
		Subject: substitute(tmpl.Subject, vars),
		Body:    substitute(tmpl.Body, vars),
	}
}

// RenderString renders a bare template string for a customer.
func (e *Engine) RenderString(s string, customer *directory.Customer) string {
	return substitute(s, e.variables(customer))
}

// Placeholders returns the distinct placeholder names referenced by
// the template, in order of first appearance.
func Placeholders(tmpl *Template) []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range []string{tmpl.Subject, tmpl.Body} {
		for _, m := range varPattern.FindAllStringSubmatch(s, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				names = append(names, m[1])
			}
		}
	}
	return names
}

// variables builds the substitution map from a customer record.
// Built-in fields first, then free-form attributes, which may shadow
// the built-ins.
func (e *Engine) variables(customer *directory.Customer) map[string]string {
	vars := map[string]string{
		"first_name":  customer.FirstName,
		"last_name":   customer.LastName,
		"name":        customer.FullName(),
		"phone":       customer.Phone,
		"email":       customer.Email,
		"visit_count": strconv.Itoa(customer.VisitCount),
	}

	if customer.LastVisit != nil {
		vars["last_visit"] = customer.LastVisit.Format("2006-01-02")
	}
	if customer.Birthday != nil {
		vars["birthday"] = customer.Birthday.Format("January 2")
	}
	if len(customer.Tags) > 0 {
		vars["tags"] = strings.Join(customer.Tags, ", ")
	}

	for k, v := range customer.Attributes {
		vars[k] = v
	}

	return vars
}

func substitute(s string, vars map[string]string) string {
	if s == "" {
		return s
	}
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		// Missing fields render empty, never fail the message.
		return vars[name]
	})
}
