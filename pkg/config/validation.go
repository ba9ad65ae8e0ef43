package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Tags cover per-field ranges and enums; validateCustomRules covers rules
// that span fields or list entries.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Cache.Goal > cfg.Cache.Limit {
		return fmt.Errorf("cache: goal %d exceeds limit %d", cfg.Cache.Goal, cfg.Cache.Limit)
	}

	names := make(map[string]bool)
	for i, d := range cfg.Devices {
		if names[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate device name %q", i, d.Name)
		}
		names[d.Name] = true

		switch d.Type {
		case "image":
			if d.Path == "" {
				return fmt.Errorf("devices[%d]: image device %q requires path", i, d.Name)
			}
		case "badger":
			if d.Path == "" && !inMemory(d.Options) {
				return fmt.Errorf("devices[%d]: badger device %q requires path or options.in_memory", i, d.Name)
			}
		case "s3":
			if bucket, _ := d.Options["bucket"].(string); bucket == "" {
				return fmt.Errorf("devices[%d]: s3 device %q requires options.bucket", i, d.Name)
			}
		case "memory":
			if d.Size.Blocks() == 0 {
				return fmt.Errorf("devices[%d]: memory device %q requires size", i, d.Name)
			}
		}
	}

	for i, name := range cfg.Mount.Devices {
		// An empty name leaves its relative volume unmounted.
		if name != "" && !names[name] {
			return fmt.Errorf("mount.devices[%d]: unknown device %q", i, name)
		}
	}
	return nil
}

func inMemory(opts map[string]any) bool {
	v, _ := opts["in_memory"].(bool)
	return v
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
