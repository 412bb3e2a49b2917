package validation

import "fmt"

// ValidationError describes one rejected field. Field uses dotted JSON paths
// with indexes, e.g. "disks[2].used_bytes".
type ValidationError struct {
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, value, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []*ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", e[0].Error(), len(e)-1)
}

// Add adds a validation error to the collection.
func (e *ValidationErrors) Add(field, value, message string) {
	*e = append(*e, NewValidationError(field, value, message))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields returns the offending field paths in report order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, v := range e {
		out = append(out, v.Field)
	}
	return out
}
