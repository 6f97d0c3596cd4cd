package httpserver

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError describes one rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateID checks a path or header identifier: job ids, ingest ids
// and DLQ entry ids share the same shape.
func ValidateID(field, value string) []ValidationError {
	if value == "" {
		return []ValidationError{{Field: field, Code: "REQUIRED", Message: field + " is required"}}
	}
	if len(value) > 128 {
		return []ValidationError{{Field: field, Code: "TOO_LONG", Message: field + " is too long (max 128 characters)"}}
	}
	if !idPattern.MatchString(value) {
		return []ValidationError{{Field: field, Code: "INVALID_FORMAT", Message: field + " contains invalid characters"}}
	}
	return nil
}

var validate = validator.New()

// ValidateStruct runs tag-based validation on a request DTO and
// converts failures into field-level errors.
func ValidateStruct(v any) []ValidationError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Field: "body", Code: "INVALID", Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   strings.ToLower(fe.Field()),
			Code:    strings.ToUpper(fe.Tag()),
			Message: fe.Field() + " failed " + fe.Tag() + " validation",
		})
	}
	return out
}

// ParseIntParam parses an optional positive integer query parameter.
func ParseIntParam(field, value string, max int) (int, []ValidationError) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 || (max > 0 && n > max) {
		return 0, []ValidationError{{
			Field:   field,
			Code:    "INVALID_FORMAT",
			Message: field + " must be a non-negative integer",
		}}
	}
	return n, nil
}
