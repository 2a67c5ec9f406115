// Package api holds the request plumbing shared by every handler: actor
// identity, error rendering and history paging.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/logging"
	"github.com/mbd888/smartescrow/internal/pagination"
	"github.com/mbd888/smartescrow/internal/validation"
)

// Identity headers. Authentication happens upstream; the engine trusts them.
const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

const contextKeyActor = "actor"

// MaxPageLimit caps ?limit= on history listings.
const MaxPageLimit = 200

var knownRoles = map[ledger.Role]bool{
	ledger.RoleClient:     true,
	ledger.RoleFreelancer: true,
	ledger.RoleMediator:   true,
	ledger.RoleOperator:   true,
}

// Identity reads the actor headers into the gin context. Requests without
// them pass through anonymously; RequireActor rejects those.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderActorID)
		role := ledger.Role(c.GetHeader(HeaderActorRole))
		if id != "" && knownRoles[role] {
			c.Set(contextKeyActor, ledger.Actor{ID: id, Role: role})
		}
		c.Next()
	}
}

// RequireActor rejects requests without a recognised actor.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(contextKeyActor); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-ID and X-Actor-Role (client, freelancer, mediator, operator) headers are required",
			})
			return
		}
		c.Next()
	}
}

// SetActor stores actor in the context, for middleware that establishes
// identity some other way.
func SetActor(c *gin.Context, actor ledger.Actor) {
	c.Set(contextKeyActor, actor)
}

// Actor returns the request's actor. The zero Actor is returned when none
// was set.
func Actor(c *gin.Context) ledger.Actor {
	if v, ok := c.Get(contextKeyActor); ok {
		if a, ok := v.(ledger.Actor); ok {
			return a
		}
	}
	return ledger.Actor{}
}

// Status maps an engine error to its HTTP status.
func Status(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrEscrowFrozen),
		errors.Is(err, ledger.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrSettlement),
		errors.Is(err, ledger.ErrAutomationAction):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError renders err with the stable error code for its kind.
func WriteError(c *gin.Context, err error) {
	status := Status(err)
	body := gin.H{"error": ledger.Code(err), "message": err.Error()}

	var le *ledger.Error
	if errors.As(err, &le) && le.Field != "" {
		body["field"] = le.Field
	}
	if hold, ok := ledger.HoldOf(err); ok {
		body["hold"] = hold
	}
	if ledger.Retryable(err) {
		body["retryable"] = true
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		body["message"] = "internal error"
	}
	c.JSON(status, body)
}

// BadRequest renders a malformed body.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}

// ValidationFailed renders handler-level validation errors.
func ValidationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// Page parses ?limit= and ?cursor=. The returned page fetches one extra
// row so pagination.ComputePage can tell whether more remain. It reports
// false after writing a 400.
func Page(c *gin.Context) (page ledger.Page, limit int, ok bool) {
	limit = ledger.DefaultPageLimit
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			BadRequest(c, "limit must be a positive integer")
			return page, 0, false
		}
		limit = min(n, MaxPageLimit)
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		BadRequest(c, "invalid cursor")
		return page, 0, false
	}
	return ledger.Page{Limit: limit + 1, After: cursor}, limit, true
}
