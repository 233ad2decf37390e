package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidRequest         = errors.New("invalid request")
	ErrBatchTooLarge          = errors.New("batch too large")
	ErrProjectContextNotFound = errors.New("project context not found")
	ErrCheckpointNotFound     = errors.New("checkpoint not found")
)

// ValidationError lists every field that failed validation.
// It unwraps to ErrInvalidRequest.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}
