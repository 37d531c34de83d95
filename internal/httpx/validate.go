package httpx

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("maxbytes", maxBytes)
	return v
}

// maxBytes bounds a string by its encoded length rather than its rune count.
func maxBytes(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(fl.Field().String()) <= limit
}

var fieldMessages = map[string]string{
	"required": "%s is required",
	"email":    "%s must be a valid email address",
	"min":      "%s must be at least %s characters long",
	"max":      "%s must be at most %s characters long",
	"maxbytes": "%s must be at most %s bytes long",
	"len":      "%s must be exactly %s characters long",
	"numeric":  "%s must contain only digits",
	"nefield":  "%s must differ from %s",
	"oneof":    "%s must be one of %s",
}

// Validate checks v's `validate` tags and returns a validation *Error whose
// details are keyed by JSON field name.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return Internal(fmt.Errorf("validate request: %w", err))
	}

	details := make([]FieldError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		details = append(details, FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return Validation("validation failed", details...)
}

func fieldMessage(fe validator.FieldError) string {
	template, ok := fieldMessages[fe.Tag()]
	if !ok {
		return fmt.Sprintf("%s is invalid", fe.Field())
	}

	param := fe.Param()
	if fe.Tag() == "nefield" {
		param = jsonName(fe)
	}
	if strings.Count(template, "%s") == 2 {
		return fmt.Sprintf(template, fe.Field(), param)
	}
	return fmt.Sprintf(template, fe.Field())
}

// jsonName resolves the JSON name of the field referenced by a cross-field tag.
func jsonName(fe validator.FieldError) string {
	name := fe.Param()
	if len(name) == 0 {
		return name
	}
	return strings.ToLower(name[:1]) + name[1:]
}
