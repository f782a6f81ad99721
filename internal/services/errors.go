package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExternalTool  = errors.New("external tool error")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrIntegrity     = errors.New("integrity check failed")
	ErrTransient     = errors.New("transient failure")
)

// Result labels reported by ResultLabel.
const (
	ResultSuccess = "success"
	ResultAborted = "aborted"
	ResultFailed  = "failed"
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of
// the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// ResultLabel maps an item's termination status to a metric and display label.
// Any error in the chain reporting Aborted() == true is treated as aborted.
func ResultLabel(err error) string {
	if err == nil {
		return ResultSuccess
	}
	var aborted interface{ Aborted() bool }
	if errors.As(err, &aborted) && aborted.Aborted() {
		return ResultAborted
	}
	return ResultFailed
}

// IsRetryable reports whether err is marked transient. The orchestrator never
// retries on its own; callers use this to suggest resubmitting.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
