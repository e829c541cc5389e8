// Package validation provides input validation helpers for the API.
package validation

import (
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/collabpay/collabpay/internal/money"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// PercentTolerance is how far custom milestone percentages may deviate
// from summing to exactly 100.
const PercentTolerance = 0.01

// Sections is the fixed set of collaboratively editable offer sections.
var Sections = []string{"basic_info", "pricing", "timeline", "deliverables", "platforms"}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSection reports whether s is one of the editable offer sections.
func IsValidSection(s string) bool {
	for _, sec := range Sections {
		if s == sec {
			return true
		}
	}
	return false
}

// SanitizeString trims whitespace, strips null bytes, and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// Error represents a single field validation failure.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of validation failures.
type Errors []Error

func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	parts := make([]string, len(e))
	for i, err := range e {
		parts[i] = err.Field + ": " + err.Message
	}
	return strings.Join(parts, "; ")
}

// Check is a single validation to run.
type Check func() *Error

// Validate runs all checks and collects failures.
func Validate(checks ...Check) Errors {
	var errs Errors
	for _, check := range checks {
		if err := check(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required fails when the value is blank.
func Required(field, value string) Check {
	return func() *Error {
		if strings.TrimSpace(value) == "" {
			return &Error{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAmount fails when the value is not a positive decimal amount.
func ValidAmount(field, value string) Check {
	return func() *Error {
		cents, ok := money.Parse(value)
		if !ok || cents <= 0 {
			return &Error{Field: field, Message: "must be a positive amount"}
		}
		return nil
	}
}

// ValidSection fails when the value is not an editable offer section.
func ValidSection(field, value string) Check {
	return func() *Error {
		if !IsValidSection(value) {
			return &Error{Field: field, Message: fmt.Sprintf("must be one of %s", strings.Join(Sections, ", "))}
		}
		return nil
	}
}

// PercentagesSumTo100 fails unless the percentages sum to 100 within
// PercentTolerance.
func PercentagesSumTo100(field string, percentages []float64) Check {
	return func() *Error {
		if len(percentages) == 0 {
			return &Error{Field: field, Message: "at least one percentage is required"}
		}
		var sum float64
		for _, p := range percentages {
			if p <= 0 {
				return &Error{Field: field, Message: "percentages must be positive"}
			}
			sum += p
		}
		if math.Abs(sum-100) > PercentTolerance {
			return &Error{Field: field, Message: fmt.Sprintf("percentages sum to %.2f, must sum to 100", sum)}
		}
		return nil
	}
}
