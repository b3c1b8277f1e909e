package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"billingsync/internal/types"
)

// ValidationError describes one failed field rule.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator with the service's custom tags.
// Field names in errors are the JSON names of the request struct.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator and registers the custom tags:
//
//	app_path: empty, or an in-app path starting with a single "/"
func NewValidator(logger *slog.Logger) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	if err := v.RegisterValidation("app_path", validateAppPath); err != nil && logger != nil {
		logger.Error("failed to register app_path validation", slog.String("error", err.Error()))
	}

	return &Validator{validate: v, logger: logger}
}

func validateAppPath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if p == "" {
		return true
	}
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.ContainsAny(p, "\\\r\n")
}

// ValidateStruct validates s and returns an *types.AppError describing every
// failed field, or nil. The code comes from the first failure that is not a
// missing required field; ErrCodeValidationMissingField when all are.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "invalid request", err)
	}

	code := types.ErrCodeValidationMissingField
	details := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if code == types.ErrCodeValidationMissingField {
			code = tagCode(fe.Tag())
		}
		details = append(details, ValidationError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}

	return types.NewAppErrorWithDetails(code, details[0].Message, err, map[string]any{"fields": details})
}

func tagCode(tag string) types.ErrorCode {
	switch tag {
	case "required":
		return types.ErrCodeValidationMissingField
	case "app_path":
		return types.ErrCodeValidationRedirectPath
	default:
		return types.ErrCodeValidationInvalidBody
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "app_path":
		return fe.Field() + " must be an in-app path starting with /"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param() + " characters"
	default:
		return fe.Field() + " is invalid"
	}
}
