package upload

import (
	"errors"
	"fmt"
)

// Error kinds of the upload process. Use errors.Is to match them, also through a *TransportError.
var (
	// ErrFileTooLarge is returned when the storage service rejects the payload size.
	ErrFileTooLarge = errors.New("file_too_large")
	// ErrUnauthorizedFileType is returned when the presigned policy rejects the content type.
	ErrUnauthorizedFileType = errors.New("unauthorized_file_type")
	// ErrInternal covers malformed responses, missing ETags and corrupted bookkeeping.
	ErrInternal = errors.New("upload_internal_error")
	// ErrNoPartRequestHandler is returned for multipart chunks when no PartRequester is configured.
	ErrNoPartRequestHandler = errors.New("no_get_part_request_handler_provided")
	// ErrPlanning is returned when a session does not match its own part layout.
	ErrPlanning = errors.New("upload_planning_error")
	// ErrCancelled is the default reason of a whole operation cancel.
	ErrCancelled = errors.New("upload_cancelled")
	// ErrNoCompleter is returned by completion functions of upload types without a Completer.
	ErrNoCompleter = errors.New("upload_type_has_no_completer")
)

// TransportError is the failure of one chunk transfer.
type TransportError struct {
	// Kind is one of ErrFileTooLarge, ErrUnauthorizedFileType, ErrInternal or ErrNoPartRequestHandler.
	Kind       error
	UploadID   string
	PartNumber int
	// StatusCode is the HTTP status of the failed response, 0 if no response was received.
	StatusCode int
	// Err is the underlying cause, if any.
	Err error
}

// Error ...
func (e *TransportError) Error() string {
	msg := fmt.Sprintf("upload %s part %d: %v", e.UploadID, e.PartNumber, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns both the kind and the cause, so errors.Is matches either.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// PlanningError is returned when a session is inconsistent with its declared part layout.
type PlanningError struct {
	UploadID string
	Reason   string
}

// Error ...
func (e *PlanningError) Error() string {
	return fmt.Sprintf("plan upload %s: %s", e.UploadID, e.Reason)
}

// Unwrap ...
func (e *PlanningError) Unwrap() error {
	return ErrPlanning
}

// CancelError is the rejection of a whole operation.
type CancelError struct {
	Reason string
	// Cause is the chunk error or context error that triggered the cancel, if any.
	Cause error
}

// Error ...
func (e *CancelError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason
}

// Unwrap ...
func (e *CancelError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the reason, so a cancel caused by corrupted state matches ErrInternal.
func (e *CancelError) Is(target error) bool {
	switch target {
	case ErrCancelled:
		return e.Reason == ErrCancelled.Error()
	case ErrInternal:
		return e.Reason == ErrInternal.Error()
	}
	return false
}
