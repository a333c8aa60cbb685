package task

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrNotRecurring = errors.New("task is not recurring")
	ErrNoDueDate    = errors.New("task has no due date")
	ErrNotArchived  = errors.New("only archived tasks can be deleted")
	ErrForbidden    = errors.New("task belongs to another owner")
)

// FieldError is one failed validation rule.
type FieldError struct {
	Field string
	Rule  string
}

// ValidationError lists every rule a task failed.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.Field, f.Rule))
	}
	return "invalid task: " + strings.Join(parts, ", ")
}
