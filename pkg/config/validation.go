package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct-level validation
// rules declared on Config and its nested sections.
//
// Validation runs after ApplyDefaults, so rules like "required" only fire
// for fields that have no default (e.g. download.base_path in a config
// file that cleared it).
func Validate(cfg *Config) error {
	validate := validator.New()

	if err := validate.Struct(cfg); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return fmt.Errorf("validation error: %w", err)
		}

		// Report the first failure with its namespace so the user can
		// find the offending key.
		first := validationErrors[0]
		return fmt.Errorf("invalid configuration: field %q failed on the %q rule (value: %v)",
			first.Namespace(), first.Tag(), first.Value())
	}

	return nil
}
