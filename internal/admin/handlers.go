package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/smartescrow/internal/api"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/validation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	operator *Operator
}

// NewHandler creates a new admin handler.
func NewHandler(operator *Operator) *Handler {
	return &Handler{operator: operator}
}

// RegisterRoutes sets up admin routes. The group must carry identity and
// the admin secret check.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/escrows/bulk", h.Bulk)
	r.POST("/admin/escrows/:id/freeze", h.single(ActionFreeze))
	r.POST("/admin/escrows/:id/unfreeze", h.single(ActionUnfreeze))
	r.POST("/admin/escrows/:id/force-complete", h.single(ActionForceComplete))
	r.POST("/admin/escrows/:id/override", h.Override)
}

// Bulk handles POST /v1/admin/escrows/bulk
func (h *Handler) Bulk(c *gin.Context) {
	var req BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.OneOf("action", req.Action, ActionFreeze, ActionUnfreeze, ActionForceComplete),
		validation.MaxLength("reason", req.Reason, 1000),
	); len(errs) > 0 {
		api.ValidationFailed(c, errs)
		return
	}
	res, err := h.operator.Bulk(c.Request.Context(), api.Actor(c), req)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	// Partial failure is still a completed request; callers read the items.
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func (h *Handler) single(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason"`
		}
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				api.BadRequest(c, "Invalid request body")
				return
			}
		}
		apply, err := h.operator.action(action)
		if err != nil {
			api.WriteError(c, err)
			return
		}
		e, err := apply(c.Request.Context(), api.Actor(c), c.Param("id"), req.Reason)
		if err != nil {
			api.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"escrow": e})
	}
}

// Override handles POST /v1/admin/escrows/:id/override
func (h *Handler) Override(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	checks := []validation.Check{validation.Required("reason", req.Reason)}
	if req.Status != nil {
		checks = append(checks, validation.OneOf("status", string(*req.Status),
			string(ledger.EscrowActive), string(ledger.EscrowFrozen)))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		api.ValidationFailed(c, errs)
		return
	}
	e, err := h.operator.Override(c.Request.Context(), api.Actor(c), c.Param("id"), req)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}
