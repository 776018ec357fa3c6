package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Sentinel-Gate/Toolgate/internal/domain/auth"
)

// RegisterCustomValidators registers gateway-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("api_key_hash", validateAPIKeyHash); err != nil {
		return fmt.Errorf("failed to register api_key_hash validator: %w", err)
	}
	return nil
}

// validateAPIKeyHash accepts argon2id PHC hashes and sha256 hashes
// (prefixed or bare hex). Raw keys must never appear in config.
func validateAPIKeyHash(fl validator.FieldLevel) bool {
	return auth.DetectHashType(fl.Field().String()) != "unknown"
}

// Validate validates the Config using struct tags and cross-field
// rules. Returns actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return errors.New("store: sqlite driver requires a path")
	}

	if c.Graph.Enabled && c.Graph.URI == "" {
		return errors.New("graph: enabled requires a uri")
	}

	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for one
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "api_key_hash":
		return fmt.Sprintf("%s must be an argon2id or sha256 hash, not a raw key", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, e.Tag())
	}
}
