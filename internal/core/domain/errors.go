// Package domain defines the core domain models for TopoMesh.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorSeverity classifies how serious a device-facing error is.
type ErrorSeverity string

const (
	SeverityError   ErrorSeverity = "error"
	SeverityWarning ErrorSeverity = "warning"
)

// ErrorType is the protocol layer an error originated from.
type ErrorType string

const (
	ErrorTypeTransport   ErrorType = "transport"
	ErrorTypeRPC         ErrorType = "rpc"
	ErrorTypeProtocol    ErrorType = "protocol"
	ErrorTypeApplication ErrorType = "application"
)

// Error tags used by this module. Device errors carry their own tags.
const (
	TagOperationFailed       = "operation-failed"
	TagOperationNotSupported = "operation-not-supported"
	TagInvalidValue          = "invalid-value"
	TagDataMissing           = "data-missing"
	TagInUse                 = "in-use"
)

// DomainError represents a business domain error with a structured error code.
//
// Severity, Type and Tag mirror the device-protocol error triple so a device
// rejection can travel between members without losing information.
type DomainError struct {
	Code     string        // Error code (e.g., "TP-MNT-5030")
	Message  string        // Human-readable message
	Details  string        // Optional additional details
	Severity ErrorSeverity // Defaults to SeverityError
	Type     ErrorType     // Defaults to ErrorTypeApplication
	Tag      string        // Protocol error tag
	Cause    error         // Underlying error (if any)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:     code,
		Message:  message,
		Severity: SeverityError,
		Type:     ErrorTypeApplication,
		Tag:      TagOperationFailed,
	}
}

func (e *DomainError) clone() *DomainError {
	c := *e
	return &c
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	c := e.clone()
	c.Details = details
	return c
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	c := e.clone()
	c.Cause = cause
	return c
}

// WithClass returns a copy carrying the given severity, type and tag.
func (e *DomainError) WithClass(severity ErrorSeverity, typ ErrorType, tag string) *DomainError {
	c := e.clone()
	c.Severity = severity
	c.Type = typ
	c.Tag = tag
	return c
}

// Wrap wraps an error with this domain error as the cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return e.WithCause(cause)
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ErrorDetail is the wire form of an error exchanged between members.
type ErrorDetail struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Details  string        `json:"details,omitempty"`
	Severity ErrorSeverity `json:"severity"`
	Type     ErrorType     `json:"type"`
	Tag      string        `json:"tag"`
}

// DetailOf converts err into its wire form. Errors that are not domain
// errors are reported as device rejections carrying the error text.
func DetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var de *DomainError
	if !errors.As(err, &de) {
		de = ErrDeviceRejected.WithDetails(err.Error())
	}
	details := de.Details
	if details == "" && de.Cause != nil {
		details = de.Cause.Error()
	}
	return &ErrorDetail{
		Code:     de.Code,
		Message:  de.Message,
		Details:  details,
		Severity: de.Severity,
		Type:     de.Type,
		Tag:      de.Tag,
	}
}

// Err rebuilds the DomainError described by d.
func (d *ErrorDetail) Err() error {
	if d == nil {
		return nil
	}
	return &DomainError{
		Code:     d.Code,
		Message:  d.Message,
		Details:  d.Details,
		Severity: d.Severity,
		Type:     d.Type,
		Tag:      d.Tag,
	}
}

// EncodeError renders err as a JSON ErrorDetail, for transports that only
// carry a message string.
func EncodeError(err error) string {
	b, mErr := json.Marshal(DetailOf(err))
	if mErr != nil {
		return err.Error()
	}
	return string(b)
}

// DecodeError parses a message produced by EncodeError. ok is false when msg
// is not an encoded ErrorDetail.
func DecodeError(msg string) (err error, ok bool) {
	var d ErrorDetail
	if jErr := json.Unmarshal([]byte(msg), &d); jErr != nil || d.Code == "" {
		return nil, false
	}
	return d.Err(), true
}

// ============================================================================
// Mount / transaction errors (MNT, TX, DEV)
// ============================================================================

var (
	// ErrMasterUnavailable indicates the owning member did not answer in time
	// or is unreachable. Callers may retry.
	ErrMasterUnavailable = NewDomainError("TP-MNT-5030", "master mount point unavailable").
				WithClass(SeverityWarning, ErrorTypeApplication, TagOperationFailed)

	// ErrAlreadySubmitted indicates use of a transaction after submit.
	ErrAlreadySubmitted = NewDomainError("TP-TX-4090", "transaction already submitted")

	// ErrAlreadyCancelled indicates use of a transaction after cancel.
	ErrAlreadyCancelled = NewDomainError("TP-TX-4091", "transaction already cancelled")

	// ErrDeviceRejected indicates the device engine refused an operation.
	ErrDeviceRejected = NewDomainError("TP-DEV-4220", "device rejected the operation")
)

// ============================================================================
// Ownership and cluster errors (OWN, CLU)
// ============================================================================

var (
	// ErrOwnershipConflict indicates a candidate registration for an entity
	// that is already registered. It is a lifecycle bug, not retryable.
	ErrOwnershipConflict = NewDomainError("TP-OWN-4090", "candidate already registered")

	// ErrNoLeader indicates the replicated state has no known leader.
	ErrNoLeader = NewDomainError("TP-CLU-5030", "cluster leader unknown")

	// ErrNotOwner indicates a write attempted by a member that is not the owner.
	ErrNotOwner = NewDomainError("TP-CLU-4030", "not the entity owner")
)

// ============================================================================
// Peer errors (PEER)
// ============================================================================

var (
	// ErrPeerNoResponse indicates a peer did not respond (transport failure,
	// timeout, or the peer was removed from membership).
	ErrPeerNoResponse = NewDomainError("TP-PEER-5040", "peer did not respond")

	// ErrPeerRejected indicates a peer responded with a failure.
	ErrPeerRejected = NewDomainError("TP-PEER-4220", "peer rejected the request")
)

// ============================================================================
// Node errors (NODE)
// ============================================================================

var (
	// ErrNodeNotFound indicates an unknown node id.
	ErrNodeNotFound = NewDomainError("TP-NODE-4040", "node not found")

	// ErrInvalidNodeConfig indicates node configuration validation failed.
	ErrInvalidNodeConfig = NewDomainError("TP-NODE-4000", "invalid node configuration")
)
