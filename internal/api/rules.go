package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/occupancy/internal/alerting"
	"github.com/Spatial-NVR/occupancy/internal/rules"
)

// RuleStore is the rule persistence used by RuleHandler
type RuleStore interface {
	Create(ctx context.Context, rule *alerting.Rule) error
	Get(ctx context.Context, id string) (*alerting.Rule, error)
	List(ctx context.Context, deviceID string) ([]alerting.Rule, error)
	Update(ctx context.Context, rule *alerting.Rule) error
	Delete(ctx context.Context, id string) error
}

// RuleHandler handles alert rule API requests
type RuleHandler struct {
	store RuleStore
}

// NewRuleHandler creates a new rule handler
func NewRuleHandler(store RuleStore) *RuleHandler {
	return &RuleHandler{store: store}
}

// Routes returns the rule routes
func (h *RuleHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)

	return r
}

// List lists all rules, optionally filtered by device
func (h *RuleHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context(), r.URL.Query().Get("device_id"))
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	if list == nil {
		list = []alerting.Rule{}
	}

	OK(w, list)
}

// Create creates a new rule
func (h *RuleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}

	rule, verrs := NewRuleValidator().Validate(req)
	if verrs.HasErrors() {
		ValidationErrorResponse(w, verrs)
		return
	}

	if err := h.store.Create(r.Context(), &rule); err != nil {
		InternalError(w, err.Error())
		return
	}

	Created(w, rule)
}

// Get retrieves a rule by ID
func (h *RuleHandler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, err)
		return
	}

	OK(w, rule)
}

// Update replaces a rule
func (h *RuleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.store.Get(r.Context(), id); err != nil {
		h.storeError(w, err)
		return
	}

	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}

	rule, verrs := NewRuleValidator().Validate(req)
	if verrs.HasErrors() {
		ValidationErrorResponse(w, verrs)
		return
	}
	rule.ID = id

	if err := h.store.Update(r.Context(), &rule); err != nil {
		h.storeError(w, err)
		return
	}

	OK(w, rule)
}

// Delete deletes a rule
func (h *RuleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.storeError(w, err)
		return
	}

	NoContent(w)
}

func (h *RuleHandler) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, rules.ErrNotFound) {
		NotFound(w, "Rule not found")
		return
	}
	InternalError(w, err.Error())
}
