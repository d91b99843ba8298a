package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/salonhq/outreach/internal/channel"
	"github.com/salonhq/outreach/internal/store"
	"github.com/salonhq/outreach/internal/targeting"
)

// CampaignRequest is the request body for creating a campaign.
// Content is either a template reference or an inline subject/body.
type CampaignRequest struct {
	Name               string             `json:"name"`
	TemplateID         string             `json:"template_id,omitempty"`
	Subject            string             `json:"subject,omitempty"`
	Body               string             `json:"body,omitempty"`
	Criteria           targeting.Criteria `json:"criteria"`
	Channels           []string           `json:"channels"`
	ExcludeCustomerIDs []string           `json:"exclude_customer_ids,omitempty"`
	ScheduleAt         *time.Time         `json:"schedule_at,omitempty"`
}

func (req *CampaignRequest) validate() ([]channel.Channel, string) {
	if req.Name == "" {
		return nil, "name is required"
	}
	if req.TemplateID == "" && req.Body == "" {
		return nil, "template_id or body is required"
	}
	if req.TemplateID != "" && req.Body != "" {
		return nil, "template_id and body are mutually exclusive"
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
	return channels, ""
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
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
	if req.TemplateID != "" {
		if tmpl, err := s.templates.Get(r.Context(), req.TemplateID); err != nil {
			s.sendError(w, http.StatusInternalServerError, "failed to load template")
			return
		} else if tmpl == nil || tmpl.TenantID != tenant {
			s.sendError(w, http.StatusBadRequest, "template not found: "+req.TemplateID)
			return
		}
	}

	estimated, err := s.resolver.Count(r.Context(), tenant, req.Criteria, req.ExcludeCustomerIDs, targeting.Cap{})
	if err != nil {
		s.logger.Error("failed to estimate recipients", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to estimate recipients")
		return
	}

	now := time.Now()
	campaign := &store.Campaign{
		ID:                  uuid.New().String(),
		TenantID:            tenant,
		Name:                req.Name,
		TemplateID:          req.TemplateID,
		Subject:             req.Subject,
		Body:                req.Body,
		Criteria:            req.Criteria,
		Channels:            channels,
		ExcludeCustomerIDs:  req.ExcludeCustomerIDs,
		ScheduleAt:          req.ScheduleAt,
		Status:              store.CampaignPending,
		EstimatedRecipients: estimated,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if req.ScheduleAt != nil && req.ScheduleAt.After(now) {
		campaign.Status = store.CampaignScheduled
	}

	if err := s.campaigns.Create(r.Context(), campaign); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create campaign")
		return
	}

	// Immediate campaigns fire through the same timer path with a
	// zero delay.
	s.scheduler.ScheduleCampaign(campaign)

	s.sendJSON(w, http.StatusCreated, campaign)
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := store.CampaignListFilter{
		TenantID: tenantID(r),
		RuleID:   r.URL.Query().Get("rule_id"),
		Status:   store.CampaignStatus(r.URL.Query().Get("status")),
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
	}

	campaigns, err := s.campaigns.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list campaigns", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list campaigns")
		return
	}
	s.sendJSON(w, http.StatusOK, campaigns)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.ownedCampaign(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, campaign)
}

func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.ownedCampaign(w, r)
	if !ok {
		return
	}

	switch campaign.Status {
	case store.CampaignPending, store.CampaignScheduled, store.CampaignExecuting:
	default:
		s.sendError(w, http.StatusConflict, "campaign cannot be cancelled in status "+string(campaign.Status))
		return
	}

	s.scheduler.UnscheduleCampaign(campaign.ID)
	if err := s.campaigns.SetStatus(r.Context(), campaign.ID, store.CampaignCancelled, "cancelled via API"); err != nil {
		s.logger.Error("failed to cancel campaign", "campaign_id", campaign.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to cancel campaign")
		return
	}

	cancelled, err := s.campaigns.Get(r.Context(), campaign.ID)
	if err != nil || cancelled == nil {
		cancelled = campaign
	}
	s.sendJSON(w, http.StatusOK, cancelled)
}

func (s *Server) handleCampaignAnalytics(w http.ResponseWriter, r *http.Request) {
	campaign, ok := s.ownedCampaign(w, r)
	if !ok {
		return
	}

	summary, err := s.aggregator.Analytics(r.Context(), campaign.ID)
	if err != nil {
		s.logger.Error("failed to load analytics", "campaign_id", campaign.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to load analytics")
		return
	}
	s.sendJSON(w, http.StatusOK, summary)
}

func (s *Server) ownedCampaign(w http.ResponseWriter, r *http.Request) (*store.Campaign, bool) {
	id := chi.URLParam(r, "id")
	campaign, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load campaign", "campaign_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to load campaign")
		return nil, false
	}
	if campaign == nil || campaign.TenantID != tenantID(r) {
		s.sendError(w, http.StatusNotFound, "campaign not found: "+id)
		return nil, false
	}
	return campaign, true
}
