// Package vpnerr holds the error types shared by the panel client, the
// provisioning flow and the sweeper.
package vpnerr

import (
	"fmt"
)

type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

func NotFound(entity string, key any) error {
	return &NotFoundError{Entity: entity, Key: fmt.Sprint(key)}
}

type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// AuthError means the panel refused the credentials or returned no
// usable session.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("panel auth failed (%s)", e.Op)
	}
	return fmt.Sprintf("panel auth failed (%s): %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a non-success panel response: a bad HTTP status, a
// success=false envelope or a body that could not be parsed.
type APIError struct {
	Op      string
	Status  int
	Message string
	Raw     string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("panel api error (%s): %s (status: %d)", e.Op, e.Message, e.Status)
	}
	return fmt.Sprintf("panel api error (%s): %s", e.Op, e.Message)
}

type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
