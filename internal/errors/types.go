package errors

import "errors"

var (
	ErrStackNotFound    = errors.New("stack file not found")
	ErrStackParseFailed = errors.New("stack file parsing failed")
	ErrValidation       = errors.New("spec validation failed")
	ErrCycle            = errors.New("dependency cycle detected")
	ErrBuild            = errors.New("image build failed")
	ErrEngine           = errors.New("engine operation failed")
	ErrTimeout          = errors.New("deadline exceeded")
	ErrCancelled        = errors.New("run cancelled")
	ErrStateInvalid     = errors.New("run state invalid")
	ErrFileSystemFailed = errors.New("filesystem operation failed")
)

// Exit codes reported by the CLI, one per failure class.
const (
	ExitOK         = 0
	ExitGeneric    = 1
	ExitValidation = 2
	ExitCycle      = 3
	ExitEngine     = 4
	ExitTimeout    = 5
)

type ConvoyError struct {
	Type        error
	Context     string
	Cause       string
	Suggestion  string
	OriginalErr error
}

func (e *ConvoyError) Error() string {
	return e.OriginalErr.Error()
}

func (e *ConvoyError) Unwrap() error {
	return e.OriginalErr
}

func NewConvoyError(errorType error, context, cause, suggestion string, originalErr error) *ConvoyError {
	return &ConvoyError{
		Type:        errorType,
		Context:     context,
		Cause:       cause,
		Suggestion:  suggestion,
		OriginalErr: originalErr,
	}
}

func NewValidationError(context, cause, suggestion string, originalErr error) *ConvoyError {
	return NewConvoyError(ErrValidation, context, cause, suggestion, originalErr)
}

func NewCycleError(context, cause, suggestion string, originalErr error) *ConvoyError {
	return NewConvoyError(ErrCycle, context, cause, suggestion, originalErr)
}

func NewBuildError(context, cause, suggestion string, originalErr error) *ConvoyError {
	return NewConvoyError(ErrBuild, context, cause, suggestion, originalErr)
}

func NewEngineError(context, cause, suggestion string, originalErr error) *ConvoyError {
	return NewConvoyError(ErrEngine, context, cause, suggestion, originalErr)
}

func NewTimeoutError(context, cause, suggestion string, originalErr error) *ConvoyError {
	return NewConvoyError(ErrTimeout, context, cause, suggestion, originalErr)
}

func NewStateError(context, cause, suggestion string, originalErr error) *ConvoyError {
	return NewConvoyError(ErrStateInvalid, context, cause, suggestion, originalErr)
}

func NewFileSystemError(context, cause, suggestion string, originalErr error) *ConvoyError {
	return NewConvoyError(ErrFileSystemFailed, context, cause, suggestion, originalErr)
}

// ExitCode maps any error to the CLI exit code for its failure class.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var cErr *ConvoyError
	if errors.As(err, &cErr) {
		switch cErr.Type {
		case ErrValidation, ErrStackNotFound, ErrStackParseFailed, ErrStateInvalid:
			return ExitValidation
		case ErrCycle:
			return ExitCycle
		case ErrBuild, ErrEngine:
			return ExitEngine
		case ErrTimeout:
			return ExitTimeout
		}
		return ExitGeneric
	}

	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrStackNotFound), errors.Is(err, ErrStackParseFailed):
		return ExitValidation
	case errors.Is(err, ErrCycle):
		return ExitCycle
	case errors.Is(err, ErrBuild), errors.Is(err, ErrEngine):
		return ExitEngine
	case errors.Is(err, ErrTimeout):
		return ExitTimeout
	}
	return ExitGeneric
}
