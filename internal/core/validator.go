package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"storegate/internal/types"
)

// Validator validates decoded request bodies and reports failures as
// validation AppErrors keyed by JSON field name.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator that reports JSON tag names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

// ValidateStruct returns nil or a validation AppError with per-field
// details. A body whose only failures are missing fields reports
// validation_missing_required_field.
func (v *Validator) ValidateStruct(s any) error {
	err := v.v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	code := types.ErrCodeValidationMissingField
	fields := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		if fe.Tag() != "required" {
			code = types.ErrCodeValidationFailed
		}
	}
	return types.NewAppErrorWithDetails(code, "request validation failed", nil, map[string]any{"fields": fields})
}
