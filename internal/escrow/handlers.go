package escrow

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/smartescrow/internal/api"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/pagination"
	"github.com/mbd888/smartescrow/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. The group must carry identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/fund", h.ConfirmFunding)
	r.POST("/escrows/:id/activate", h.Activate)
	r.POST("/escrows/:id/cancel", h.Cancel)
	r.POST("/escrows/:id/complete", h.Complete)
	r.POST("/escrows/:id/archive", h.Archive)
	r.GET("/escrows/:id/transactions", h.ListTransactions)
	r.GET("/escrows/:id/audit", h.ListAudit)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	actor := api.Actor(c)
	if req.ClientID == "" && actor.Role == ledger.RoleClient {
		req.ClientID = actor.ID
	}
	if errs := validation.Validate(
		validation.ValidID("clientId", req.ClientID),
		validation.ValidID("freelancerId", req.FreelancerID),
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, 5000),
		validation.ValidAmount("totalAmount", req.TotalAmount),
	); len(errs) > 0 {
		api.ValidationFailed(c, errs)
		return
	}
	req.Description = validation.SanitizeString(req.Description, 5000)

	e, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	d, err := h.service.GetDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": d})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	filter := ledger.EscrowFilter{
		ClientID:        c.Query("clientId"),
		FreelancerID:    c.Query("freelancerId"),
		IncludeArchived: c.Query("archived") == "true",
		Limit:           ledger.DefaultPageLimit,
	}
	if s := c.Query("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, ledger.EscrowStatus(st))
		}
	}
	if a := c.Query("automation"); a != "" {
		v := a == "true"
		filter.AutomationEnabled = &v
	}
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			filter.Limit = min(n, api.MaxPageLimit)
		}
	}

	actor := api.Actor(c)
	if !actor.Privileged() && filter.ClientID == "" && filter.FreelancerID == "" {
		// Parties only see their own escrows.
		switch actor.Role {
		case ledger.RoleClient:
			filter.ClientID = actor.ID
		case ledger.RoleFreelancer:
			filter.FreelancerID = actor.ID
		}
	}

	escrows, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// ConfirmFunding handles POST /v1/escrows/:id/fund
func (h *Handler) ConfirmFunding(c *gin.Context) {
	var req struct {
		Reference string `json:"reference"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		api.BadRequest(c, "Invalid request body")
		return
	}
	h.respond(c)(h.service.ConfirmFunding(c.Request.Context(), api.Actor(c), c.Param("id"), req.Reference))
}

// Activate handles POST /v1/escrows/:id/activate
func (h *Handler) Activate(c *gin.Context) {
	h.respond(c)(h.service.Activate(c.Request.Context(), api.Actor(c), c.Param("id")))
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	h.respond(c)(h.service.Cancel(c.Request.Context(), api.Actor(c), c.Param("id"), req.Reason))
}

// Complete handles POST /v1/escrows/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	h.respond(c)(h.service.Complete(c.Request.Context(), api.Actor(c), c.Param("id")))
}

// Archive handles POST /v1/escrows/:id/archive
func (h *Handler) Archive(c *gin.Context) {
	h.respond(c)(h.service.Archive(c.Request.Context(), api.Actor(c), c.Param("id")))
}

// ListTransactions handles GET /v1/escrows/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	page, limit, ok := api.Page(c)
	if !ok {
		return
	}
	txs, err := h.service.Transactions(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	txs, next, more := pagination.ComputePage(txs, limit, func(t *ledger.Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "nextCursor": next, "hasMore": more})
}

// ListAudit handles GET /v1/escrows/:id/audit
func (h *Handler) ListAudit(c *gin.Context) {
	page, limit, ok := api.Page(c)
	if !ok {
		return
	}
	recs, err := h.service.Audit(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	recs, next, more := pagination.ComputePage(recs, limit, func(a *ledger.AuditRecord) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
	c.JSON(http.StatusOK, gin.H{"audit": recs, "nextCursor": next, "hasMore": more})
}

func (h *Handler) respond(c *gin.Context) func(*ledger.Escrow, error) {
	return func(e *ledger.Escrow, err error) {
		if err != nil {
			api.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"escrow": e})
	}
}
