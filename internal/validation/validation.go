// Package validation checks request input before it reaches the engine.
package validation

import (
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/smartescrow/internal/money"
)

// MaxRequestSize caps request bodies at 1MB.
const MaxRequestSize = 1 << 20

// MaxStringLength bounds free-text fields such as descriptions and evidence.
const MaxStringLength = 10000

// Escrow, milestone, dispute and party ids: 1-128 chars, no leading symbol.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_:.@-]{0,127}$`)

// RequestSizeMiddleware rejects bodies larger than maxSize.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParamMiddleware rejects requests whose named path parameters are not
// well-formed ids, before any handler looks them up. Missing parameters
// are ignored, so one instance can guard a whole route group.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			v := c.Param(p)
			if v == "" || IsValidID(v) {
				continue
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": p + " is not a valid identifier",
				"field":   p,
			})
			return
		}
		c.Next()
	}
}

func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// SanitizeString trims s, cuts it to maxLen bytes and drops NUL bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is every rejected field of one request, in check order.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check inspects one field and returns nil when it is acceptable.
type Check func() *ValidationError

// Validate runs every check and collects the failures.
func Validate(checks ...Check) ValidationErrors {
	var errs ValidationErrors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func fail(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// The checks below, except Required, accept an empty value; pair them with
// Required for mandatory fields.

func Required(field, value string) Check {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

func ValidID(field, value string) Check {
	return func() *ValidationError {
		if value != "" && !IsValidID(value) {
			return fail(field, "must be 1-128 characters of letters, digits, '_', '-', ':', '.', '@'")
		}
		return nil
	}
}

func MaxLength(field, value string, max int) Check {
	return func() *ValidationError {
		if len(value) > max {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

func OneOf(field, value string, allowed ...string) Check {
	return func() *ValidationError {
		if value != "" && !slices.Contains(allowed, value) {
			return fail(field, "must be one of "+strings.Join(allowed, ", "))
		}
		return nil
	}
}

// ValidAmount requires a strictly positive amount with at most six decimals.
func ValidAmount(field, value string) Check {
	return amount(field, value, false)
}

// NonNegativeAmount also accepts zero.
func NonNegativeAmount(field, value string) Check {
	return amount(field, value, true)
}

func amount(field, value string, zeroOK bool) Check {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		v, ok := money.Parse(value)
		switch {
		case !ok:
			return fail(field, "invalid amount format")
		case v.Sign() == 0 && !zeroOK:
			return fail(field, "amount must be greater than zero")
		}
		return nil
	}
}
