package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// newValidator reports field problems under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct converts validator output into a *ValidationError.
func validateStruct(v *validator.Validate, s interface{}) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return newValidationError(err.Error())
	}
	problems := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		problems = append(problems, describeFieldError(fe))
	}
	return newValidationError(problems...)
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "uuid":
		msg = "must be a UUID"
	case "eq":
		msg = fmt.Sprintf("must be %s", fe.Param())
	case "datetime":
		msg = "must be an ISO-8601 timestamp"
	case "email":
		msg = "must be an email address"
	case "url":
		msg = "must be a URL"
	case "min":
		msg = fmt.Sprintf("must have length at least %s", fe.Param())
	case "max":
		msg = fmt.Sprintf("must have length at most %s", fe.Param())
	case "gt":
		msg = fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		msg = fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		msg = fmt.Sprintf("failed %q validation", fe.Tag())
	}
	return field + " " + msg
}
