package servers

import (
	"errors"
	"fmt"
)

var (
	// ErrServerNotFound indicates no settings row exists for the server.
	ErrServerNotFound = errors.New("server not found")
	// ErrTagCapacityExceeded indicates the server already holds MaxTags tags.
	ErrTagCapacityExceeded = errors.New("max tags exceeded")
	// ErrDuplicateTag indicates the tag is already configured for the server.
	ErrDuplicateTag = errors.New("duplicate tag")
	// ErrInvalidTag indicates an empty tag.
	ErrInvalidTag = errors.New("tag is required")
	// ErrUnknownField indicates a settings field that cannot be set.
	ErrUnknownField = errors.New("unknown field")

	errMissingDatabase = errors.New("database handle is required")
	errMissingServerID = errors.New("server identifier is required")
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "servers.service.new"
	opGetOrCreate   = "servers.get_or_create"
	opGet           = "servers.get"
	opSetField      = "servers.set_field"
	opAddTag        = "servers.add_tag"
	opRemoveTag     = "servers.remove_tag"
	opMarkActive    = "servers.mark_active"
	opSweepInactive = "servers.sweep_inactive"
	opRemove        = "servers.remove"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
