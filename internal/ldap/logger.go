package ldap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Subsystem is the tflog subsystem used for all directory session logging.
const Subsystem = "ldap"

// LogLevelEnv names the environment variable controlling the subsystem level.
const LogLevelEnv = "LDAPSYNC_LOG_LDAP"

// NewLoggingContext returns ctx with the ldap subsystem logger configured.
// Without a root logger in ctx the returned context logs nothing.
func NewLoggingContext(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, Subsystem, tflog.WithLevelFromEnv(LogLevelEnv))
}

// LogOperation is a helper function to log an operation with timing.
// Refusals (ErrExclusiveAccess, ErrSessionClosed) are logged as warnings
// since the operation never reached the server. fn may add fields.
func LogOperation(ctx context.Context, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	tflog.SubsystemDebug(ctx, Subsystem, "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		tflog.SubsystemDebug(ctx, Subsystem, "Operation completed successfully", fields)
	case errors.Is(err, ErrExclusiveAccess), errors.Is(err, ErrSessionClosed):
		fields["error"] = err.Error()
		tflog.SubsystemWarn(ctx, Subsystem, "Operation refused", fields)
	default:
		LogLDAPError(ctx, operation, err, fields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()
	fields["error_category"] = string(GetErrorCategory(err))

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, Subsystem, "LDAP operation failed", fields)
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "connection_established", "authentication_success", "session_closed":
		tflog.SubsystemInfo(ctx, Subsystem, "Connection event", fields)
	case "connection_failed", "authentication_failed":
		tflog.SubsystemError(ctx, Subsystem, "Connection event", fields)
	default:
		tflog.SubsystemDebug(ctx, Subsystem, "Connection event", fields)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	sensitiveKeys := map[string]bool{
		"password":    true,
		"passwd":      true,
		"secret":      true,
		"token":       true,
		"key":         true,
		"private_key": true,
		"credential":  true,
		"credentials": true,
	}

	for k, v := range fields {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"key=",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
