package dispute

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/smartescrow/internal/api"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/validation"
)

// Handler provides HTTP endpoints for the dispute workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/disputes", h.RaiseDispute)
	r.GET("/escrows/:id/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/assign", h.Assign)
	r.POST("/disputes/:id/review", h.BeginReview)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/resolve", h.Resolve)
	r.POST("/disputes/:id/close", h.Close)
}

// RaiseDispute handles POST /v1/escrows/:id/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req RaiseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, 5000),
		validation.OneOf("type", string(req.Type), "quality", "deadline", "scope", "payment", "communication", "other"),
		validation.ValidAmount("disputedAmount", req.DisputedAmount),
	); len(errs) > 0 {
		api.ValidationFailed(c, errs)
		return
	}
	req.Description = validation.SanitizeString(req.Description, 5000)

	d, err := h.service.Raise(c.Request.Context(), api.Actor(c), c.Param("id"), req)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/escrows/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	ds, err := h.service.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	h.respond(c)(h.service.Get(c.Request.Context(), c.Param("id")))
}

// Assign handles POST /v1/disputes/:id/assign
func (h *Handler) Assign(c *gin.Context) {
	var req struct {
		MediatorID string `json:"mediatorId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(validation.ValidID("mediatorId", req.MediatorID)); len(errs) > 0 {
		api.ValidationFailed(c, errs)
		return
	}
	h.respond(c)(h.service.Assign(c.Request.Context(), api.Actor(c), c.Param("id"), req.MediatorID))
}

// BeginReview handles POST /v1/disputes/:id/review
func (h *Handler) BeginReview(c *gin.Context) {
	h.respond(c)(h.service.BeginReview(c.Request.Context(), api.Actor(c), c.Param("id")))
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req EvidenceInput
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	h.respond(c)(h.service.AddEvidence(c.Request.Context(), api.Actor(c), c.Param("id"), req))
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.OneOf("decision", string(req.Decision), "client_favor", "freelancer_favor", "split_decision", "escalate"),
		validation.NonNegativeAmount("clientPayout", req.ClientPayout),
		validation.NonNegativeAmount("freelancerPayout", req.FreelancerPayout),
		validation.NonNegativeAmount("platformFee", req.PlatformFee),
	); len(errs) > 0 {
		api.ValidationFailed(c, errs)
		return
	}
	req.Notes = validation.SanitizeString(req.Notes, 5000)
	h.respond(c)(h.service.Resolve(c.Request.Context(), api.Actor(c), c.Param("id"), req))
}

// Close handles POST /v1/disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	var req struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		api.BadRequest(c, "Invalid request body")
		return
	}
	h.respond(c)(h.service.Close(c.Request.Context(), api.Actor(c), c.Param("id"), req.Notes))
}

func (h *Handler) respond(c *gin.Context) func(*ledger.Dispute, error) {
	return func(d *ledger.Dispute, err error) {
		if err != nil {
			api.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dispute": d})
	}
}
