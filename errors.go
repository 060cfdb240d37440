package ossa

import (
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeConfiguration        = "CONFIGURATION_ERROR"
	ErrCodeDependency           = "DEPENDENCY_ERROR"
	ErrCodeStageExecution       = "STAGE_EXECUTION_ERROR"
	ErrCodeStageTimeout         = "STAGE_TIMEOUT"
	ErrCodeAgentNotFound        = "AGENT_NOT_FOUND"
	ErrCodeCapabilityNotFound   = "CAPABILITY_NOT_FOUND"
	ErrCodeDelivery             = "DELIVERY_ERROR"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotConnected         = "NOT_CONNECTED"
	ErrCodeCommandTimeout       = "COMMAND_TIMEOUT"
	ErrCodeWorkflowNotFound     = "WORKFLOW_NOT_FOUND"
	ErrCodeExecutionNotFound    = "EXECUTION_NOT_FOUND"
	ErrCodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	ErrCodeLoopLimitExceeded    = "LOOP_LIMIT_EXCEEDED"
	ErrCodeCancelled            = "EXECUTION_CANCELLED"
	ErrCodeCommandNotFound      = "COMMAND_NOT_FOUND"
	ErrCodeCommandFailed        = "COMMAND_FAILED"
)

// Sentinels are templates. Use NewError to stamp a copy, and match with
// HasCode since clones do not compare equal to the sentinel.
var (
	ErrConfiguration = errors.New("invalid configuration", errors.CategoryBadInput).
				WithTextCode(ErrCodeConfiguration)
	ErrDependency = errors.New("circular or unresolved dependency", errors.CategoryBadInput).
			WithTextCode(ErrCodeDependency)
	ErrStageExecution = errors.New("stage execution failed", errors.CategoryHandler).
				WithTextCode(ErrCodeStageExecution)
	ErrStageTimeout = errors.New("stage timed out", errors.CategoryHandler).
			WithTextCode(ErrCodeStageTimeout)
	ErrAgentNotFound = errors.New("agent not found", errors.CategoryNotFound).
				WithTextCode(ErrCodeAgentNotFound)
	ErrCapabilityNotFound = errors.New("capability not found", errors.CategoryNotFound).
				WithTextCode(ErrCodeCapabilityNotFound)
	ErrDelivery = errors.New("message delivery failed", errors.CategoryHandler).
			WithTextCode(ErrCodeDelivery)
	ErrValidation = errors.New("validation failed", errors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	ErrNotConnected = errors.New("not connected", errors.CategoryOperation).
			WithTextCode(ErrCodeNotConnected)
	ErrCommandTimeout = errors.New("command timed out", errors.CategoryExternal).
				WithTextCode(ErrCodeCommandTimeout)
	ErrWorkflowNotFound = errors.New("workflow not found", errors.CategoryNotFound).
				WithTextCode(ErrCodeWorkflowNotFound)
	ErrExecutionNotFound = errors.New("execution not found", errors.CategoryNotFound).
				WithTextCode(ErrCodeExecutionNotFound)
	ErrSubscriptionNotFound = errors.New("subscription not found", errors.CategoryNotFound).
				WithTextCode(ErrCodeSubscriptionNotFound)
	ErrLoopLimitExceeded = errors.New("loop iteration limit exceeded", errors.CategoryOperation).
				WithTextCode(ErrCodeLoopLimitExceeded)
	ErrCancelled = errors.New("execution cancelled", errors.CategoryOperation).
			WithTextCode(ErrCodeCancelled)
	ErrCommandNotFound = errors.New("command not found", errors.CategoryNotFound).
				WithTextCode(ErrCodeCommandNotFound)
	ErrCommandFailed = errors.New("command failed", errors.CategoryCommand).
				WithTextCode(ErrCodeCommandFailed)
)

var nonRetryableCodes = map[string]struct{}{
	ErrCodeConfiguration:      {},
	ErrCodeDependency:         {},
	ErrCodeAgentNotFound:      {},
	ErrCodeCapabilityNotFound: {},
	ErrCodeValidation:         {},
	ErrCodeNotConnected:       {},
	ErrCodeCancelled:          {},
	ErrCodeCommandNotFound:    {},
}

// NewError clones base and stamps message, source and metadata on the copy.
func NewError(base *errors.Error, message string, source error, metadata map[string]any) *errors.Error {
	if base == nil {
		base = ErrStageExecution
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code of the first go-errors value in the chain.
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether any go-errors value in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var ge *errors.Error
		if !stderrors.As(err, &ge) {
			return false
		}
		if ge.TextCode == code {
			return true
		}
		err = ge.Source
	}
	return false
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for err != nil {
		var ge *errors.Error
		if !stderrors.As(err, &ge) {
			return true
		}
		if _, ok := nonRetryableCodes[ge.TextCode]; ok {
			return false
		}
		if ge.Category == errors.CategoryValidation {
			return false
		}
		err = ge.Source
	}
	return true
}

// ErrorMessage returns the bare message of a go-errors value, or err.Error().
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.Message
	}
	return err.Error()
}
