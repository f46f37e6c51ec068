package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
