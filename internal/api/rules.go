package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/salonhq/outreach/internal/channel"
	"github.com/salonhq/outreach/internal/store"
	"github.com/salonhq/outreach/internal/targeting"
)

// RuleRequest is the request body for creating or updating a rule.
type RuleRequest struct {
	Name                string             `json:"name"`
	Type                string             `json:"type"`
	Schedule            store.Schedule     `json:"schedule"`
	TemplateID          string             `json:"template_id"`
	Criteria            targeting.Criteria `json:"criteria"`
	Channels            []string           `json:"channels"`
	ExcludeCustomerIDs  []string           `json:"exclude_customer_ids,omitempty"`
	MaxSendsPerCustomer int                `json:"max_sends_per_customer,omitempty"`
	Status              string             `json:"status,omitempty"`
}

// validate checks the request and returns the parsed channels.
func (req *RuleRequest) validate() ([]channel.Channel, string) {
	if req.Name == "" {
		return nil, "name is required"
	}
	if !store.RuleType(req.Type).Valid() {
		return nil, "unknown rule type: " + req.Type
	}
	if err := req.Schedule.Validate(); err != nil {
		return nil, err.Error()
	}
	if req.TemplateID == "" {
		return nil, "template_id is required"
	}
	if len(req.Channels) == 0 {
		return nil, "at least one channel is required"
	}
	channels, err := channel.ParseChannels(req.Channels)
	if err != nil {
		return nil, err.Error()
	}
	if problems := req.Criteria.Validate(); len(problems) > 0 {
		return nil, "invalid criteria: " + problems[0]
	}
	if req.Status != "" && !store.RuleStatus(req.Status).Valid() {
		return nil, "unknown rule status: " + req.Status
	}
	return channels, ""
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	channels, problem := req.validate()
	if problem != "" {
		s.sendError(w, http.StatusBadRequest, problem)
		return
	}

	tenant := tenantID(r)
	if tmpl, err := s.templates.Get(r.Context(), req.TemplateID); err != nil {
		s.sendError(w, http.StatusInternalServerError, "failed to load template")
		return
	} else if tmpl == nil || tmpl.TenantID != tenant {
		s.sendError(w, http.StatusBadRequest, "template not found: "+req.TemplateID)
		return
	}

	status := store.RuleActive
	if req.Status != "" {
		status = store.RuleStatus(req.Status)
	}

	now := time.Now()
	rule := &store.Rule{
		ID:                  uuid.New().String(),
		TenantID:            tenant,
		Name:                req.Name,
		Type:                store.RuleType(req.Type),
		Schedule:            req.Schedule,
		TemplateID:          req.TemplateID,
		Criteria:            req.Criteria,
		Channels:            channels,
		ExcludeCustomerIDs:  req.ExcludeCustomerIDs,
		MaxSendsPerCustomer: req.MaxSendsPerCustomer,
		Status:              status,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.rules.Create(r.Context(), rule); err != nil {
		s.logger.Error("failed to create rule", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}

	if err := s.scheduler.Schedule(r.Context(), rule); err != nil {
		s.logger.Error("failed to schedule rule", "rule_id", rule.ID, "error", err)
	}

	created, err := s.rules.Get(r.Context(), rule.ID)
	if err != nil || created == nil {
		created = rule
	}
	s.sendJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	filter := store.RuleListFilter{
		TenantID: tenantID(r),
		Status:   store.RuleStatus(r.URL.Query().Get("status")),
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
	}

	rules, err := s.rules.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list rules", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	s.sendJSON(w, http.StatusOK, rules)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ownedRule(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ownedRule(w, r)
	if !ok {
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	channels, problem := req.validate()
	if problem != "" {
		s.sendError(w, http.StatusBadRequest, problem)
		return
	}

	rule.Name = req.Name
	rule.Type = store.RuleType(req.Type)
	rule.Schedule = req.Schedule
	rule.TemplateID = req.TemplateID
	rule.Criteria = req.Criteria
	rule.Channels = channels
	rule.ExcludeCustomerIDs = req.ExcludeCustomerIDs
	rule.MaxSendsPerCustomer = req.MaxSendsPerCustomer
	if req.Status != "" {
		rule.Status = store.RuleStatus(req.Status)
	}
	rule.UpdatedAt = time.Now()

	if err := s.rules.Update(r.Context(), rule); err != nil {
		s.logger.Error("failed to update rule", "rule_id", rule.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}

	// Re-arm the timer; paused rules drop theirs.
	if err := s.scheduler.Schedule(r.Context(), rule); err != nil {
		s.logger.Error("failed to reschedule rule", "rule_id", rule.ID, "error", err)
	}

	updated, err := s.rules.Get(r.Context(), rule.ID)
	if err != nil || updated == nil {
		updated = rule
	}
	s.sendJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ownedRule(w, r)
	if !ok {
		return
	}

	s.scheduler.Unschedule(rule.ID)
	if err := s.rules.Delete(r.Context(), rule.ID); err != nil {
		s.logger.Error("failed to delete rule", "rule_id", rule.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteRuleResponse is the response for POST /api/v1/rules/{id}/execute
type ExecuteRuleResponse struct {
	CampaignID string `json:"campaign_id"`
}

func (s *Server) handleExecuteRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ownedRule(w, r)
	if !ok {
		return
	}

	campaignID, err := s.scheduler.ExecuteRule(r.Context(), rule.ID, true)
	if err != nil {
		s.logger.Error("manual rule execution failed", "rule_id", rule.ID, "error", err)
		s.sendError(w, http.StatusConflict, err.Error())
		return
	}
	s.sendJSON(w, http.StatusAccepted, ExecuteRuleResponse{CampaignID: campaignID})
}

// TestRuleResponse is the response for POST /api/v1/rules/{id}/test.
// Nothing is sent; it reports who would receive what.
type TestRuleResponse struct {
	Recipients int               `json:"recipients"`
	ByChannel  map[string]int    `json:"by_channel"`
	Sample     *TestRuleSample   `json:"sample,omitempty"`
	Skipped    int               `json:"skipped"`
	Channels   []channel.Channel `json:"channels"`
}

// TestRuleSample is a rendered preview for one resolved customer.
type TestRuleSample struct {
	CustomerID string `json:"customer_id"`
	Channel    string `json:"channel"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
}

func (s *Server) handleTestRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.ownedRule(w, r)
	if !ok {
		return
	}

	tmpl, err := s.templates.Get(r.Context(), rule.TemplateID)
	if err != nil || tmpl == nil {
		s.sendError(w, http.StatusConflict, "template not found: "+rule.TemplateID)
		return
	}

	cap := targeting.Cap{RuleID: rule.ID, MaxSends: rule.MaxSendsPerCustomer}
	customers, err := s.resolver.Resolve(r.Context(), rule.TenantID, rule.Criteria, rule.ExcludeCustomerIDs, cap)
	if err != nil {
		s.logger.Error("rule test resolution failed", "rule_id", rule.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to resolve recipients")
		return
	}

	dispatcher := s.dispatchers.For(rule.TenantID)
	resp := TestRuleResponse{
		ByChannel: make(map[string]int),
		Channels:  rule.Channels,
	}
	for _, customer := range customers {
		ch, ok := dispatcher.SelectChannel(customer, rule.Channels)
		if !ok {
			resp.Skipped++
			continue
		}
		resp.Recipients++
		resp.ByChannel[string(ch)]++
		if resp.Sample == nil {
			content := s.engine.Render(tmpl, customer)
			resp.Sample = &TestRuleSample{
				CustomerID: customer.ID,
				Channel:    string(ch),
				Subject:    content.Subject,
				Body:       content.Body,
			}
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// ownedRule loads the rule from the URL and checks tenant ownership.
// It writes the error response itself when the rule is unavailable.
func (s *Server) ownedRule(w http.ResponseWriter, r *http.Request) (*store.Rule, bool) {
	id := chi.URLParam(r, "id")
	rule, err := s.rules.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load rule", "rule_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to load rule")
		return nil, false
	}
	if rule == nil || rule.TenantID != tenantID(r) {
		s.sendError(w, http.StatusNotFound, "rule not found: "+id)
		return nil, false
	}
	return rule, true
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
