package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/salonhq/outreach/internal/template"
)

// TemplateRequest is the request body for creating or updating a template.
type TemplateRequest struct {
	Name     string `json:"name"`
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body"`
	Category string `json:"category,omitempty"`
	Language string `json:"language,omitempty"`
}

func (req *TemplateRequest) validate() string {
	if req.Name == "" {
		return "name is required"
	}
	if req.Body == "" {
		return "body is required"
	}
	return ""
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if problem := req.validate(); problem != "" {
		s.sendError(w, http.StatusBadRequest, problem)
		return
	}

	now := time.Now()
	tmpl := &template.Template{
		ID:        uuid.New().String(),
		TenantID:  tenantID(r),
		Name:      req.Name,
		Subject:   req.Subject,
		Body:      req.Body,
		Category:  req.Category,
		Language:  req.Language,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tmpl.Variables = template.Placeholders(tmpl)

	if err := s.templates.Create(r.Context(), tmpl); err != nil {
		s.logger.Error("failed to create template", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to create template")
		return
	}
	s.sendJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	filter := template.ListFilter{
		TenantID: tenantID(r),
		Category: r.URL.Query().Get("category"),
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
	}

	templates, err := s.templates.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}
	s.sendJSON(w, http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.ownedTemplate(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.ownedTemplate(w, r)
	if !ok {
		return
	}

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if problem := req.validate(); problem != "" {
		s.sendError(w, http.StatusBadRequest, problem)
		return
	}

	tmpl.Name = req.Name
	tmpl.Subject = req.Subject
	tmpl.Body = req.Body
	tmpl.Category = req.Category
	tmpl.Language = req.Language
	tmpl.Variables = template.Placeholders(tmpl)
	tmpl.UpdatedAt = time.Now()

	if err := s.templates.Update(r.Context(), tmpl); err != nil {
		s.logger.Error("failed to update template", "template_id", tmpl.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to update template")
		return
	}
	s.sendJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.ownedTemplate(w, r)
	if !ok {
		return
	}

	if err := s.templates.Delete(r.Context(), tmpl.ID); err != nil {
		s.logger.Error("failed to delete template", "template_id", tmpl.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to delete template")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ownedTemplate(w http.ResponseWriter, r *http.Request) (*template.Template, bool) {
	id := chi.URLParam(r, "id")
	tmpl, err := s.templates.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load template", "template_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "failed to load template")
		return nil, false
	}
	if tmpl == nil || tmpl.TenantID != tenantID(r) {
		s.sendError(w, http.StatusNotFound, "template not found: "+id)
		return nil, false
	}
	return tmpl, true
}
