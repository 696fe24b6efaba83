package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Sentinel errors for the broker.
var (
	// ErrValidation marks a malformed invocation (missing markers, bad JSON payload).
	ErrValidation = fmt.Errorf("validation failed: %w", ErrInvalidInput)
	// ErrInvalidMode is returned for unknown or omitted invocation modes.
	ErrInvalidMode = fmt.Errorf("invalid mode")

	ErrSurfaceNotFound    = fmt.Errorf("surface: %w", ErrNotFound)
	ErrDefinitionNotFound = fmt.Errorf("definition: %w", ErrNotFound)
	ErrSurfaceClosed      = fmt.Errorf("surface closed")

	// Bridge errors.
	ErrBridge        = fmt.Errorf("state bridge evaluation failed")
	ErrBridgeTimeout = fmt.Errorf("state bridge: %w", ErrTimeout)

	// Transport errors.
	ErrTransportUnavailable = fmt.Errorf("service unavailable: no active session")
	ErrSessionNotActive     = fmt.Errorf("session not active")
	ErrSessionAmbiguous     = fmt.Errorf("session id required when multiple sessions are active")
	ErrAuthFailed           = fmt.Errorf("authentication failed: %w", ErrPermissionDenied)

	// Store errors.
	ErrStoreIO            = fmt.Errorf("definition store i/o failed")
	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary")

	ErrToolNotFound = fmt.Errorf("tool not found")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrPrefsStore   = fmt.Errorf("preference store failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Registry.Open")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "store", "bridge"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransportLevel reports whether err belongs to the classes surfaced at the
// transport layer itself rather than inside a result envelope.
func IsTransportLevel(err error) bool {
	return errors.Is(err, ErrTransportUnavailable) ||
		errors.Is(err, ErrSessionNotActive) ||
		errors.Is(err, ErrSessionAmbiguous) ||
		errors.Is(err, ErrStoreIO) ||
		errors.Is(err, ErrPathOutsideSandbox)
}

// ErrorCode is a machine-parseable error category for logs and status output.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeValidation           ErrorCode = "VALIDATION"
	CodeInvalidMode          ErrorCode = "INVALID_MODE"
	CodeSurfaceNotFound      ErrorCode = "SURFACE_NOT_FOUND"
	CodeDefinitionNotFound   ErrorCode = "DEFINITION_NOT_FOUND"
	CodeSurfaceClosed        ErrorCode = "SURFACE_CLOSED"
	CodeBridge               ErrorCode = "BRIDGE"
	CodeBridgeTimeout        ErrorCode = "BRIDGE_TIMEOUT"
	CodeTransportUnavailable ErrorCode = "TRANSPORT_UNAVAILABLE"
	CodeSessionNotActive     ErrorCode = "SESSION_NOT_ACTIVE"
	CodeSessionAmbiguous     ErrorCode = "SESSION_AMBIGUOUS"
	CodeAuthFailed           ErrorCode = "AUTH_FAILED"
	CodeStoreIO              ErrorCode = "STORE_IO"
	CodePathOutsideSandbox   ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeToolNotFound         ErrorCode = "TOOL_NOT_FOUND"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodePrefsStore           ErrorCode = "PREFS_STORE"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeSurfaceNameInvalid ErrorCode = "SURFACE_NAME_INVALID"
	CodeSourceTooLarge     ErrorCode = "SOURCE_TOO_LARGE"
	CodeRendererTimeout    ErrorCode = "RENDERER_TIMEOUT"

	// Category codes, used when nothing more specific matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,

	ErrValidation:           CodeValidation,
	ErrInvalidMode:          CodeInvalidMode,
	ErrSurfaceNotFound:      CodeSurfaceNotFound,
	ErrDefinitionNotFound:   CodeDefinitionNotFound,
	ErrSurfaceClosed:        CodeSurfaceClosed,
	ErrBridge:               CodeBridge,
	ErrBridgeTimeout:        CodeBridgeTimeout,
	ErrTransportUnavailable: CodeTransportUnavailable,
	ErrSessionNotActive:     CodeSessionNotActive,
	ErrSessionAmbiguous:     CodeSessionAmbiguous,
	ErrAuthFailed:           CodeAuthFailed,
	ErrStoreIO:              CodeStoreIO,
	ErrPathOutsideSandbox:   CodePathOutsideSandbox,
	ErrToolNotFound:         CodeToolNotFound,
	ErrConfigLoad:           CodeConfigLoad,
	ErrRateLimit:            CodeRateLimit,
	ErrPrefsStore:           CodePrefsStore,
}

// errorPriority fixes the order in which wrapped chains are matched so that
// specific sentinels win over the categories they wrap.
var errorPriority = []error{
	ErrValidation, ErrInvalidMode, ErrSurfaceNotFound, ErrDefinitionNotFound,
	ErrSurfaceClosed, ErrBridgeTimeout, ErrBridge, ErrTransportUnavailable,
	ErrSessionNotActive, ErrSessionAmbiguous, ErrAuthFailed, ErrPathOutsideSandbox, ErrStoreIO,
	ErrToolNotFound, ErrConfigLoad, ErrRateLimit, ErrPrefsStore,
	ErrNotFound, ErrTimeout, ErrLimitReached, ErrPermissionDenied, ErrInvalidInput,
}

var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrInvalidInput: {
		"surface": CodeSurfaceNameInvalid,
	},
	ErrLimitReached: {
		"store": CodeSourceTooLarge,
	},
	ErrTimeout: {
		"renderer": CodeRendererTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range errorPriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
