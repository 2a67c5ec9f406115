package milestone

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/smartescrow/internal/api"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/validation"
)

// Handler provides HTTP endpoints for milestone operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new milestone handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up milestone routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/milestones", h.CreateMilestone)
	r.GET("/escrows/:id/milestones", h.ListMilestones)
	r.GET("/milestones/:id", h.GetMilestone)
	r.PATCH("/milestones/:id", h.UpdateMilestone)
	r.POST("/milestones/:id/submit", h.Submit)
	r.POST("/milestones/:id/approve", h.Approve)
	r.POST("/milestones/:id/reject", h.Reject)
	r.POST("/milestones/:id/rate", h.Rate)
	r.POST("/milestones/:id/release", h.Release)
}

// CreateMilestone handles POST /v1/escrows/:id/milestones
func (h *Handler) CreateMilestone(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, 5000),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		api.ValidationFailed(c, errs)
		return
	}

	m, err := h.service.Create(c.Request.Context(), api.Actor(c), c.Param("id"), req)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"milestone": m})
}

// ListMilestones handles GET /v1/escrows/:id/milestones
func (h *Handler) ListMilestones(c *gin.Context) {
	ms, err := h.service.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": ms, "count": len(ms)})
}

// GetMilestone handles GET /v1/milestones/:id
func (h *Handler) GetMilestone(c *gin.Context) {
	h.respond(c)(h.service.Get(c.Request.Context(), c.Param("id")))
}

// UpdateMilestone handles PATCH /v1/milestones/:id
func (h *Handler) UpdateMilestone(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	h.respond(c)(h.service.Update(c.Request.Context(), api.Actor(c), c.Param("id"), req))
}

// Submit handles POST /v1/milestones/:id/submit
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		api.BadRequest(c, "Invalid request body")
		return
	}
	req.Notes = validation.SanitizeString(req.Notes, 5000)
	h.respond(c)(h.service.Submit(c.Request.Context(), api.Actor(c), c.Param("id"), req))
}

// Approve handles POST /v1/milestones/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	h.respond(c)(h.service.Approve(c.Request.Context(), api.Actor(c), c.Param("id")))
}

// Reject handles POST /v1/milestones/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	h.respond(c)(h.service.Reject(c.Request.Context(), api.Actor(c), c.Param("id"),
		validation.SanitizeString(req.Reason, 2000)))
}

// Rate handles POST /v1/milestones/:id/rate
func (h *Handler) Rate(c *gin.Context) {
	var req struct {
		Rating *float64 `json:"rating"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Rating == nil {
		api.BadRequest(c, "rating is required")
		return
	}
	h.respond(c)(h.service.Rate(c.Request.Context(), api.Actor(c), c.Param("id"), *req.Rating))
}

// Release handles POST /v1/milestones/:id/release
func (h *Handler) Release(c *gin.Context) {
	h.respond(c)(h.service.Release(c.Request.Context(), api.Actor(c), c.Param("id")))
}

func (h *Handler) respond(c *gin.Context) func(*ledger.Milestone, error) {
	return func(m *ledger.Milestone, err error) {
		if err != nil {
			api.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"milestone": m})
	}
}
