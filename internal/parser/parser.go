package parser

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"convoy/internal/errors"
	"convoy/pkg/stack"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Parse reads and validates a stack YAML file, returning the parsed File
// struct or an error. Unknown fields are rejected so typos surface at
// parse time instead of being silently dropped.
func Parse(filePath string) (*stack.File, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewConvoyError(
				errors.ErrStackNotFound,
				fmt.Sprintf("Stack file not found: %s", filePath),
				"the path does not exist",
				"Check the path passed via --file, or run 'convoy init' to create a starter stack",
				fmt.Errorf("%w: %s", errors.ErrStackNotFound, filePath))
		}
		return nil, fmt.Errorf("failed to read stack file: %w", err)
	}

	f, err := ParseBytes(data)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ParseBytes parses and validates an in-memory stack document.
func ParseBytes(data []byte) (*stack.File, error) {
	var f stack.File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, errors.NewConvoyError(
			errors.ErrStackParseFailed,
			"Failed to parse stack file",
			err.Error(),
			"Fix the YAML syntax or remove the unknown field",
			fmt.Errorf("%w: %v", errors.ErrStackParseFailed, err))
	}

	if err := validate.Struct(&f); err != nil {
		return nil, formatValidationError(err)
	}

	return &f, nil
}

// Serialize renders the normalized stack document back to YAML, used by
// 'convoy validate --print'.
func Serialize(f *stack.File) ([]byte, error) {
	out, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize stack file: %w", err)
	}
	return out, nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.NewValidationError(
			"Stack file validation failed",
			err.Error(),
			"Fix the stack file and retry",
			fmt.Errorf("%w: %v", errors.ErrValidation, err))
	}

	var errorMessages []string
	for _, e := range validationErrors {
		errorMessages = append(errorMessages, formatFieldError(e))
	}

	var cause string
	if len(errorMessages) == 1 {
		cause = errorMessages[0]
	} else {
		cause = "multiple fields failed validation:"
		for _, msg := range errorMessages {
			cause += fmt.Sprintf("\n  - %s", msg)
		}
	}

	return errors.NewValidationError(
		"Stack file validation failed",
		cause,
		"Fix the listed fields and run 'convoy validate' again",
		fmt.Errorf("%w: %s", errors.ErrValidation, cause))
}

// formatFieldError formats a single validation error into a user-friendly message.
func formatFieldError(e validator.FieldError) string {
	field := e.Field()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("field '%s' is required but missing", field)
	case "required_without":
		return fmt.Sprintf("field '%s' is required when '%s' is not set", field, e.Param())
	case "eq":
		return fmt.Sprintf("field '%s' must be '%s'", field, e.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", field, e.Param())
	case "min":
		return fmt.Sprintf("field '%s' must have at least %s entries", field, e.Param())
	case "max":
		return fmt.Sprintf("field '%s' must be at most %s", field, e.Param())
	case "hostname_rfc1123":
		return fmt.Sprintf("field '%s' must be a valid DNS-style name", field)
	default:
		return fmt.Sprintf("field '%s' failed validation (%s)", field, tag)
	}
}
