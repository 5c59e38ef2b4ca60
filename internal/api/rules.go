package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/linklock/internal/domain"
)

// ListRules returns the rules currently loaded in the engine.
// Rules are loaded from the database at startup and on POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// GetRule retrieves a loaded rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}
	writeError(w, http.StatusNotFound, "rule not found")
}

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	ID          string            `json:"id" validate:"required,max=64"`
	Name        string            `json:"name" validate:"required,max=128"`
	Description string            `json:"description,omitempty" validate:"max=500"`
	Version     string            `json:"version,omitempty" validate:"max=32"`
	Expression  string            `json:"expression" validate:"required"`
	Bands       []domain.RuleBand `json:"bands"`
	Weight      float64           `json:"weight" validate:"gte=0,lte=100"`
	Enabled     bool              `json:"enabled"`
}

// CreateRule validates a rule and saves it. The rule takes effect after
// POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if !decode(w, r, &req) {
		return
	}

	if req.Version == "" {
		req.Version = "1.0.0"
	}
	rule := &domain.RuleConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Expression:  req.Expression,
		Bands:       req.Bands,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if err := h.repo.SaveRuleConfig(r.Context(), rule); err != nil {
		slog.Error("failed to save rule config", "rule_id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule created", "rule_id", rule.ID, "name", rule.Name, "version", rule.Version)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	configs, err := h.repo.ListRuleConfigs(r.Context())
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load rules from database")
		return
	}

	if err := h.engine.ReloadRules(configs); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload rules: "+err.Error())
		return
	}

	slog.Info("rules reloaded from database", "count", h.engine.RulesCount())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.engine.RulesCount(),
	})
}
