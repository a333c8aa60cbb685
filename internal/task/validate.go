package task

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	v.RegisterStructValidation(recurrenceRules, Task{})
	return v
}

// recurrenceRules: frequency is set iff the task repeats, and a repeating
// task needs a due date.
func recurrenceRules(sl validator.StructLevel) {
	t := sl.Current().Interface().(Task)
	if t.IsRepeat && t.Frequency == "" {
		sl.ReportError(t.Frequency, "frequency", "Frequency", "required_with_repeat", "")
	}
	if !t.IsRepeat && t.Frequency != "" {
		sl.ReportError(t.Frequency, "frequency", "Frequency", "excluded_without_repeat", "")
	}
	if t.IsRepeat && t.DueDate == nil {
		sl.ReportError(t.DueDate, "dueDate", "DueDate", "required_with_repeat", "")
	}
}

// Validate checks the task's invariants and returns a *ValidationError
// listing every violation.
func (t Task) Validate() error {
	err := validate.Struct(t)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return out
}
