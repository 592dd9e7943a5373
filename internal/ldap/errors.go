package ldap

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

var (
	// ErrExclusiveAccess is returned when a blocking call finds the session
	// driver already checked out by another call.
	ErrExclusiveAccess = errors.New("ldap: session driver is already in use")

	// ErrProtocolSequence is returned when streaming search methods are
	// called out of order.
	ErrProtocolSequence = errors.New("ldap: streaming search methods called out of sequence")

	// ErrSessionClosed is returned by every operation after Unbind.
	ErrSessionClosed = errors.New("ldap: session is closed")

	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("ldap: operation timed out")

	// ErrAbandoned is returned when reading from a search that was abandoned.
	ErrAbandoned = errors.New("ldap: operation was abandoned")

	// ErrBindRequired is returned after a failed bind until a bind succeeds.
	ErrBindRequired = errors.New("ldap: previous bind failed, bind again before issuing operations")
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryConflict       ErrorCategory = "conflict"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// ConnectionError represents connection establishment failures.
type ConnectionError struct {
	message string
	cause   error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{
		message: message,
		cause:   cause,
	}
}

// ProtocolError is a malformed or rejected PDU. It carries the result code
// reported by the server, or a client side code (>= 200) from go-ldap.
type ProtocolError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	MatchedDN string        // Matched DN returned by the server
	Cause     error         // Underlying error
}

func (e *ProtocolError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	if e.MatchedDN != "" {
		parts = append(parts, fmt.Sprintf("matched DN: %s", e.MatchedDN))
	}

	return strings.Join(parts, " - ")
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Result converts the error into the result the server sent.
func (e *ProtocolError) Result() *Result {
	return &Result{
		Code:      e.LDAPCode,
		MatchedDN: e.MatchedDN,
		Message:   e.ServerMsg,
	}
}

// NewProtocolError wraps err with operation context. Errors that do not come
// from the protocol layer are returned unchanged.
func NewProtocolError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var existing *ProtocolError
	if errors.As(err, &existing) {
		return err
	}

	var ldapErr *ldap.Error
	if !errors.As(err, &ldapErr) {
		return err
	}

	protoErr := &ProtocolError{
		Operation: operation,
		LDAPCode:  ldapErr.ResultCode,
		MatchedDN: ldapErr.MatchedDN,
		Category:  categorizeError(ldapErr.ResultCode),
		Message:   getLDAPCodeMessage(ldapErr.ResultCode),
		Cause:     err,
	}
	if ldapErr.Err != nil {
		protoErr.ServerMsg = ldapErr.Err.Error()
	}

	return protoErr
}

// isServerResult reports whether err carries a result code sent by the
// server rather than a go-ldap client side failure.
func isServerResult(err error) bool {
	var ldapErr *ldap.Error
	if !errors.As(err, &ldapErr) {
		return false
	}
	return ldapErr.ResultCode < ldap.ErrorNetwork
}

// TimeoutError reports that a caller-configured deadline elapsed.
type TimeoutError struct {
	Operation string
	RequestID RequestID
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("LDAP %s (request %d) timed out after %s", e.Operation, e.RequestID, e.After)
}

// Is makes errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	switch code {
	// Authentication errors
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired,
		ldap.LDAPResultAuthMethodNotSupported:
		return ErrorCategoryAuthentication

	// Permission errors
	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	// Not found errors
	case ldap.LDAPResultNoSuchObject,
		ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType:
		return ErrorCategoryNotFound

	// Conflict errors
	case ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultNotAllowedOnNonLeaf:
		return ErrorCategoryConflict

	// Validation errors
	case ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultFilterError:
		return ErrorCategoryValidation

	// Server errors
	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultSizeLimitExceeded,
		ldap.LDAPResultAdminLimitExceeded:
		return ErrorCategoryServer

	// Connection errors
	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError,
		ldap.ErrorNetwork:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGenericError categorizes errors that carry no result code.
func categorizeGenericError(err error) ErrorCategory {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ErrorCategoryConnection
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "broken pipe") {
		return ErrorCategoryConnection
	}

	return ErrorCategoryUnknown
}

// getLDAPCodeMessage returns a human-readable message for an LDAP result code.
func getLDAPCodeMessage(code uint16) string {
	switch code {
	case ldap.LDAPResultSuccess:
		return "Operation completed successfully"
	case ldap.LDAPResultOperationsError:
		return "LDAP operations error"
	case ldap.LDAPResultProtocolError:
		return "LDAP protocol error"
	case ldap.LDAPResultTimeLimitExceeded:
		return "LDAP time limit exceeded"
	case ldap.LDAPResultSizeLimitExceeded:
		return "LDAP size limit exceeded"
	case ldap.LDAPResultAuthMethodNotSupported:
		return "Authentication method not supported"
	case ldap.LDAPResultStrongAuthRequired:
		return "Strong authentication required"
	case ldap.LDAPResultReferral:
		return "LDAP referral"
	case ldap.LDAPResultAdminLimitExceeded:
		return "Administrative limit exceeded"
	case ldap.LDAPResultUnavailableCriticalExtension:
		return "Critical extension unavailable"
	case ldap.LDAPResultConfidentialityRequired:
		return "Confidentiality required"
	case ldap.LDAPResultNoSuchAttribute:
		return "Requested attribute does not exist"
	case ldap.LDAPResultUndefinedAttributeType:
		return "Attribute type is not defined"
	case ldap.LDAPResultConstraintViolation:
		return "Constraint violation"
	case ldap.LDAPResultAttributeOrValueExists:
		return "Attribute or value already exists"
	case ldap.LDAPResultInvalidAttributeSyntax:
		return "Invalid attribute syntax"
	case ldap.LDAPResultNoSuchObject:
		return "Requested object does not exist"
	case ldap.LDAPResultInvalidDNSyntax:
		return "Invalid DN syntax"
	case ldap.LDAPResultInappropriateAuthentication:
		return "Inappropriate authentication method"
	case ldap.LDAPResultInvalidCredentials:
		return "Invalid credentials"
	case ldap.LDAPResultInsufficientAccessRights:
		return "Insufficient access rights"
	case ldap.LDAPResultBusy:
		return "Server is busy"
	case ldap.LDAPResultUnavailable:
		return "Server is unavailable"
	case ldap.LDAPResultUnwillingToPerform:
		return "Server is unwilling to perform the operation"
	case ldap.LDAPResultNamingViolation:
		return "Naming violation"
	case ldap.LDAPResultObjectClassViolation:
		return "Object class violation"
	case ldap.LDAPResultNotAllowedOnNonLeaf:
		return "Operation not allowed on non-leaf entry"
	case ldap.LDAPResultEntryAlreadyExists:
		return "Entry already exists"
	case ldap.LDAPResultServerDown:
		return "Server is down"
	case ldap.LDAPResultFilterError:
		return "Invalid search filter"
	case ldap.LDAPResultConnectError:
		return "Connection error"
	case ldap.ErrorNetwork:
		return "Network error"
	default:
		return fmt.Sprintf("LDAP result code %d", code)
	}
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Category
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return categorizeError(ldapErr.ResultCode)
	}

	return categorizeGenericError(err)
}

// ResultCode extracts the LDAP result code carried by err, if any.
func ResultCode(err error) (uint16, bool) {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.LDAPCode, true
	}

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		return ldapErr.ResultCode, true
	}

	return 0, false
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsAuthenticationError checks if an error indicates an authentication problem.
func IsAuthenticationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryAuthentication
}

// IsConnectionError checks if an error indicates a connection problem.
func IsConnectionError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryConnection
}
