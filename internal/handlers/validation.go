package handlers

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"example.com/backstage/services/blog/internal/domain"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	registerCustomValidations()
}

// ValidateStruct validates a command using its validation tags. Failures
// wrap domain.ErrInvalidInput.
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func registerCustomValidations() {
	_ = validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return domain.IsValidSlug(fl.Field().String())
	})

	_ = validate.RegisterValidation("section_kind", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseSectionKind(fl.Field().String())
		return err == nil
	})

	_ = validate.RegisterValidation("article_status", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseStatus(fl.Field().String())
		return err == nil
	})
}
