package store

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates that no document exists for an id.
	ErrNotFound = errors.New("store: document not found")
	// ErrValidation indicates a payload that violates its DataDescription.
	ErrValidation = errors.New("store: validation failed")
	// ErrInconsistent indicates storage that disagrees with itself, such as a referenced blob missing on disk.
	ErrInconsistent = errors.New("store: inconsistent store")
	// ErrDocumentLocked indicates a write to a document locked by someone else.
	ErrDocumentLocked = errors.New("store: document is locked")
	// ErrNotLocked indicates an unlock of a document that holds no lock.
	ErrNotLocked = errors.New("store: document is not locked")
	// ErrDataVersionMismatch indicates a changeset written for another data schema version.
	ErrDataVersionMismatch = errors.New("store: data version mismatch")

	errMissingDatabase = errors.New("database handle is required")
	errMissingBlobs    = errors.New("blob store is required")
	errMissingSchema   = errors.New("data schema is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code next to the cause.
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
	opOpen           = "store.open"
	opGet            = "store.get"
	opList           = "store.list"
	opStage          = "store.stage"
	opErase          = "store.erase"
	opCommit         = "store.commit"
	opApplyChangeset = "store.apply_changeset"
	opGetChangeset   = "store.get_changeset"
	opStatus         = "store.status"
	opLocks          = "store.locks"
	opMigrateData    = "store.migrate_data"
	opReset          = "store.reset"
	opBackup         = "store.backup"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	if s == nil || s.logger == nil || err == nil {
		return
	}
	baseFields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	s.logger.Error("store operation failed", append(baseFields, fields...)...)
}

// fail logs and wraps err in one step.
func (s *Store) fail(operation, reason string, err error, fields ...zap.Field) error {
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}
