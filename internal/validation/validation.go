// Package validation provides request validation and error responses for
// the trust-core API.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/logging"
	"github.com/gigmarket/trustcore/internal/money"
)

// MaxRequestSize is the maximum JSON request body size (1MB). Evidence
// uploads have their own limit.
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// idRegex matches entity and user identifiers ("esc_ab12", "usr-42", UUIDs).
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks an identifier's shape.
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Unwrap lets errors.Is(err, apperr.ErrValidation) match.
func (e ValidationErrors) Unwrap() error { return apperr.ErrValidation }

// Validate runs validators and returns the failures, or nil.
func Validate(validators ...func() *ValidationError) error {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks that a non-empty field is a well-formed identifier.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be 1-64 letters, digits, '_' or '-'"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// PositiveAmount checks that value parses as a positive money amount.
func PositiveAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		a, err := money.Parse(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if !a.Positive() {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed :param identifiers early.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, p := range params {
			if v := c.Param(p); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "validation_error",
					"message": p + " is not a valid identifier",
				})
				return
			}
		}
		c.Next()
	}
}

// RespondError writes err as {"error": code, "message": msg} using the
// apperr status mapping. Internal errors are logged and not echoed.
func RespondError(c *gin.Context, err error) {
	status, code := apperr.Status(err)
	body := gin.H{"error": code, "message": err.Error()}

	var verrs ValidationErrors
	if errors.As(err, &verrs) {
		body["fields"] = verrs
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		body["message"] = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

// BindJSON binds the body into req and writes a validation error on failure.
func BindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		RespondError(c, apperr.Validation("body", err.Error()))
		return false
	}
	return true
}
