package state

import "codeberg.org/mutker/ipmictl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("state_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("state_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("state_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("state_schema_migration_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("state_storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed

	// Operation Errors
	ErrInvalidRecord = errors.ErrorCode("state_invalid_record")
)
