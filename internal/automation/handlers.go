package automation

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/smartescrow/internal/api"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/pagination"
	"github.com/mbd888/smartescrow/internal/validation"
)

// Handler provides HTTP endpoints for automation rules, settings and runs.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new automation handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up automation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/automation/settings", h.GetSettings)
	r.PUT("/automation/settings", h.UpdateSettings)
	r.GET("/automation/rules", h.ListRules)
	r.POST("/automation/rules", h.CreateRule)
	r.GET("/automation/rules/:ruleId", h.GetRule)
	r.PUT("/automation/rules/:ruleId", h.UpdateRule)
	r.POST("/automation/rules/:ruleId/activate", h.activate(true))
	r.POST("/automation/rules/:ruleId/deactivate", h.activate(false))
	r.GET("/automation/events", h.ListEvents)
	r.POST("/automation/sweep", h.Sweep)
	r.POST("/escrows/:id/automation/run", h.ProcessEscrow)
}

// GetSettings handles GET /v1/automation/settings
func (h *Handler) GetSettings(c *gin.Context) {
	s, err := h.engine.Settings(c.Request.Context())
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

// UpdateSettings handles PUT /v1/automation/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req struct {
		AutomationEnabled *bool `json:"automationEnabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.AutomationEnabled == nil {
		api.BadRequest(c, "automationEnabled is required")
		return
	}
	s, err := h.engine.SetEnabled(c.Request.Context(), api.Actor(c), *req.AutomationEnabled)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

// ListRules handles GET /v1/automation/rules
func (h *Handler) ListRules(c *gin.Context) {
	rules, err := h.engine.ListRules(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// CreateRule handles POST /v1/automation/rules
func (h *Handler) CreateRule(c *gin.Context) {
	var req RuleInput
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	if !h.validate(c, req) {
		return
	}
	r, err := h.engine.CreateRule(c.Request.Context(), api.Actor(c), req)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rule": r})
}

// GetRule handles GET /v1/automation/rules/:ruleId
func (h *Handler) GetRule(c *gin.Context) {
	h.respond(c)(h.engine.GetRule(c.Request.Context(), c.Param("ruleId")))
}

// UpdateRule handles PUT /v1/automation/rules/:ruleId
func (h *Handler) UpdateRule(c *gin.Context) {
	var req RuleInput
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	if !h.validate(c, req) {
		return
	}
	h.respond(c)(h.engine.UpdateRule(c.Request.Context(), api.Actor(c), c.Param("ruleId"), req))
}

func (h *Handler) activate(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.respond(c)(h.engine.SetRuleActive(c.Request.Context(), api.Actor(c), c.Param("ruleId"), active))
	}
}

// ListEvents handles GET /v1/automation/events
func (h *Handler) ListEvents(c *gin.Context) {
	page, limit, ok := api.Page(c)
	if !ok {
		return
	}
	events, err := h.engine.Events(c.Request.Context(), ledger.EventFilter{
		EscrowID: c.Query("escrowId"),
		RuleID:   c.Query("ruleId"),
		TargetID: c.Query("targetId"),
		Page:     page,
	})
	if err != nil {
		api.WriteError(c, err)
		return
	}
	events, next, more := pagination.ComputePage(events, limit, func(ev *ledger.AutomationEvent) (time.Time, string) {
		return ev.CreatedAt, ev.ID
	})
	c.JSON(http.StatusOK, gin.H{"events": events, "nextCursor": next, "hasMore": more})
}

// Sweep handles POST /v1/automation/sweep
func (h *Handler) Sweep(c *gin.Context) {
	if !api.Actor(c).Privileged() {
		api.WriteError(c, ledger.Unauthorized("automation.sweep", "only operators may run automation"))
		return
	}
	rep, err := h.engine.Sweep(c.Request.Context(), TriggerManual)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

// ProcessEscrow handles POST /v1/escrows/:id/automation/run
func (h *Handler) ProcessEscrow(c *gin.Context) {
	rep, err := h.engine.ProcessEscrow(c.Request.Context(), api.Actor(c), c.Param("id"))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

func (h *Handler) validate(c *gin.Context, req RuleInput) bool {
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 200),
		validation.MaxLength("description", req.Description, 2000),
		validation.OneOf("type", req.Type, AllTypes...),
	); len(errs) > 0 {
		api.ValidationFailed(c, errs)
		return false
	}
	return true
}

func (h *Handler) respond(c *gin.Context) func(*ledger.AutomationRule, error) {
	return func(r *ledger.AutomationRule, err error) {
		if err != nil {
			api.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rule": r})
	}
}
