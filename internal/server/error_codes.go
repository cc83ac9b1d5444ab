package server

const (
	// Validation (1xxx)
	ErrCodeInvalidArgument     = 1000
	ErrCodeInvalidJSON         = 1001
	ErrCodeRequestTooLarge     = 1002
	ErrCodeInvalidQuery        = 1003
	ErrCodeInvalidID           = 1004
	ErrCodeMissingRequired     = 1005
	ErrCodeContentTypeRejected = 1006
	ErrCodeInvalidChunkIndex   = 1007
	ErrCodeInvalidMetadata     = 1008

	// Domain state (2xxx)
	ErrCodeSessionNotFound  = 2001
	ErrCodeBlobNotFound     = 2002
	ErrCodeReportNotFound   = 2003
	ErrCodeIncompleteUpload = 2101
	ErrCodeConflict         = 2102

	// Limits (3xxx)
	ErrCodeResourceExhausted = 3003

	// Internal/system (4xxx)
	ErrCodeInternal           = 4001
	ErrCodeStorageUnavailable = 4002
	ErrCodeAssemblyFailed     = 4003
)

func defaultErrorCodeByStatus(status int) int {
	switch status {
	case 400:
		return ErrCodeInvalidArgument
	case 404:
		return ErrCodeBlobNotFound
	case 409:
		return ErrCodeConflict
	case 413:
		return ErrCodeRequestTooLarge
	case 429:
		return ErrCodeResourceExhausted
	case 500:
		return ErrCodeInternal
	case 503:
		return ErrCodeStorageUnavailable
	default:
		return 0
	}
}
