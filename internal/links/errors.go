package links

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelAlreadyLinked indicates the channel already receives a different database.
	ErrChannelAlreadyLinked = errors.New("channel already linked")
	// ErrDatabaseNotFound indicates no link exists for the database.
	ErrDatabaseNotFound = errors.New("database not found")
	// ErrPageNotFound indicates no state exists for the page.
	ErrPageNotFound = errors.New("page not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingDirectory  = errors.New("server directory is required")
	errMissingIdentifier = errors.New("identifier is required")
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
	opServiceNew           = "links.service.new"
	opLinkDatabase         = "links.link_database"
	opUnlinkDatabase       = "links.unlink_database"
	opUnlinkServer         = "links.unlink_server"
	opGetDatabase          = "links.get_database"
	opDatabaseForChannel   = "links.database_for_channel"
	opListDatabases        = "links.list_databases"
	opSetDisplayName       = "links.set_display_name"
	opGetOrCreatePage      = "links.get_or_create_page"
	opGetPage              = "links.get_page"
	opMarkDirty            = "links.mark_dirty"
	opToggleSuppressed     = "links.toggle_suppressed"
	opSetThreadID          = "links.set_thread_id"
	opPageForThread        = "links.page_for_thread"
	opClearDirty           = "links.clear_dirty"
	opClearDirtyByThreads  = "links.clear_dirty_by_threads"
	opDeletePagesByThreads = "links.delete_pages_by_threads"
	opListDirty            = "links.list_dirty"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
