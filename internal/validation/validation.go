// Package validation provides input validation middleware for the Vigil API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// sessionIDRegex matches IDs minted by idgen.WithPrefix("sess_")
	sessionIDRegex = regexp.MustCompile(`^sess_[a-f0-9]{24}$`)
	// flagTypeRegex matches snake_case flag type identifiers
	flagTypeRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSessionID checks if a string is a well-formed session ID
func IsValidSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

// IsValidFlagType checks if a string looks like a flag type identifier
func IsValidFlagType(s string) bool {
	return flagTypeRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
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

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidFlagType checks if a field is a plausible flag type identifier
func ValidFlagType(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidFlagType(value) {
			return &ValidationError{Field: field, Message: "must be a snake_case identifier"}
		}
		return nil
	}
}

// ValidSeverity checks if a value parses as a severity in (0, 1]
func ValidSeverity(field string, value float64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 || value > 1 {
			return &ValidationError{Field: field, Message: "must be in (0, 1]"}
		}
		return nil
	}
}

// SessionParamMiddleware validates the :id URL parameter on routes that use it.
// Apply to route groups that include :id params to reject malformed IDs early.
func SessionParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidSessionID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_session_id",
				"message": "session id must match sess_ + 24 hex chars",
			})
			return
		}
		c.Next()
	}
}
