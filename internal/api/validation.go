package api

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/akmatori/riskwatch/internal/utils"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// "recipient" accepts slack:#channel, slack:<id>, mailto:addr and bare email addresses
	_ = v.RegisterValidation("recipient", func(fl validator.FieldLevel) bool {
		return utils.ValidateRecipient(fl.Field().String()) == nil
	})
	return v
}

// Validate validates a struct using go-playground/validator tags.
// Returns nil on success or a map of field-name → error-message.
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}

	errs := make(map[string]string, len(validationErrors))
	for _, fe := range validationErrors {
		errs[fieldName(fe)] = validationMessage(fe)
	}
	return errs
}

// validationMessage returns a human-readable message for a validation error.
func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "url":
		return "must be a valid URL"
	case "email":
		return "must be a valid email"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "recipient":
		return "must be slack:#channel, mailto:address or an email address"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// fieldName returns the snake_case field name, keeping the index of slice
// elements, e.g. "recipients[1]"
func fieldName(fe validator.FieldError) string {
	name := fe.Field()
	idx := ""
	if i := strings.IndexByte(name, '['); i >= 0 {
		name, idx = name[:i], name[i:]
	}
	return toSnakeCase(name) + idx
}

// toSnakeCase converts a CamelCase field name to snake_case.
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				result.WriteByte('_')
			}
			result.WriteRune(r + 32) // lowercase
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
