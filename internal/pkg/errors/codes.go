package errors

// Error code constants. Errors carry code + params; messages stay short
// and logs always tell the full story.

// Configuration error codes.
const (
	CodeConfigInvalid = "CONFIG_INVALID"
)

// Directory access error codes.
const (
	CodeAuthFailed               = "AUTH_FAILED"
	CodeBatchFetchFailed         = "BATCH_FETCH_FAILED"
	CodeServerVersionUnavailable = "SERVER_VERSION_UNAVAILABLE"
	CodeUserNotFound             = "DIRECTORY_USER_NOT_FOUND"
	CodeGroupNotFound            = "DIRECTORY_GROUP_NOT_FOUND"
)

// Sync engine error codes.
const (
	CodeNotInitialized     = "NOT_INITIALIZED"
	CodeSyncFailed         = "SYNC_FAILED"
	CodeTransformerRebound = "TRANSFORMER_ALREADY_BOUND"
)

// Admin API error codes.
const (
	CodeProviderNotFound = "PROVIDER_NOT_FOUND"
	CodeEventInvalid     = "EVENT_INVALID"
)
