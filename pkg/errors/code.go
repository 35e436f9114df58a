package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Engine errors
// 12000-12999: Sandbox lifecycle errors
// 13000-13999: Execution errors
// 14000-14999: Terminal errors
// 15000-15999: Workspace & file errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Conflict            ErrorCode = 10004
	ServiceUnavailable  ErrorCode = 10005
	Timeout             ErrorCode = 10006

	// Store errors (10100-10199)
	StoreError       ErrorCode = 10100
	RecordNotFound   ErrorCode = 10101
	StoreWriteFailed ErrorCode = 10102

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200
	CacheMiss  ErrorCode = 10201

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	RequiredFieldEmpty ErrorCode = 10301
	InvalidProfile     ErrorCode = 10302
	InvalidLimits      ErrorCode = 10303

	// ========== Engine Errors (11000-11999) ==========

	EngineUnavailable ErrorCode = 11000
	ImageNotFound     ErrorCode = 11001
	ResourceExhausted ErrorCode = 11002
	EngineError       ErrorCode = 11003
	NetworkSetup      ErrorCode = 11004

	// ========== Sandbox Lifecycle Errors (12000-12999) ==========

	SandboxNotFound      ErrorCode = 12000
	SandboxNotRunning    ErrorCode = 12001
	SandboxFailed        ErrorCode = 12002
	SandboxCreateFailed  ErrorCode = 12003
	SandboxDestroyFailed ErrorCode = 12004
	RegistryCorrupted    ErrorCode = 12005

	// ========== Execution Errors (13000-13999) ==========

	TimedOut              ErrorCode = 13000
	ExecFailed            ErrorCode = 13001
	ResourceLimitExceeded ErrorCode = 13002

	// ========== Terminal Errors (14000-14999) ==========

	TerminalConflict ErrorCode = 14000
	TerminalClosed   ErrorCode = 14001

	// ========== Workspace & File Errors (15000-15999) ==========

	WorkspaceBusy      ErrorCode = 15000
	WorkspaceNotFound  ErrorCode = 15001
	FileNotFound       ErrorCode = 15002
	PathOutsideSandbox ErrorCode = 15003
	FileOpFailed       ErrorCode = 15004
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Conflict:            "Resource conflict",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Store
	StoreError:       "Metadata store operation failed",
	RecordNotFound:   "Record not found in metadata store",
	StoreWriteFailed: "Failed to persist record",

	// Cache
	CacheError: "Cache operation failed",
	CacheMiss:  "Cache miss",

	// Validation
	ValidationFailed:   "Validation failed",
	RequiredFieldEmpty: "Required field is empty",
	InvalidProfile:     "Invalid security profile",
	InvalidLimits:      "Invalid resource limits",

	// Engine
	EngineUnavailable: "Container engine unavailable",
	ImageNotFound:     "Container image not found",
	ResourceExhausted: "Host resources exhausted",
	EngineError:       "Container engine operation failed",
	NetworkSetup:      "Sandbox network setup failed",

	// Sandbox lifecycle
	SandboxNotFound:      "Sandbox not found",
	SandboxNotRunning:    "Sandbox container is not running",
	SandboxFailed:        "Sandbox is in failed state",
	SandboxCreateFailed:  "Failed to create sandbox",
	SandboxDestroyFailed: "Failed to destroy sandbox",
	RegistryCorrupted:    "Sandbox registry entry corrupted",

	// Execution
	TimedOut:              "Command timed out",
	ExecFailed:            "Command execution failed",
	ResourceLimitExceeded: "Sandbox exceeded its resource limits",

	// Terminal
	TerminalConflict: "Sandbox already has a writable terminal",
	TerminalClosed:   "Terminal session closed",

	// Workspace & files
	WorkspaceBusy:      "Workspace is owned by another sandbox",
	WorkspaceNotFound:  "Workspace directory not found",
	FileNotFound:       "File not found",
	PathOutsideSandbox: "Path escapes the sandbox workspace",
	FileOpFailed:       "File operation failed",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == NotFound, c == SandboxNotFound, c == RecordNotFound,
		c == ImageNotFound, c == FileNotFound, c == WorkspaceNotFound:
		return 404
	case c == Conflict, c == TerminalConflict, c == WorkspaceBusy:
		return 409
	case c == InvalidProfile, c == InvalidLimits:
		return 422
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == PathOutsideSandbox:
		return 400
	case c == TimedOut, c == Timeout:
		return 504
	case c == ServiceUnavailable, c == EngineUnavailable, c == ResourceExhausted:
		return 503
	default:
		return 500
	}
}

// Retryable reports whether the failure is transient and safe to retry
// against the engine. Only engine unavailability qualifies; image and
// resource failures are permanent for the request.
func (c ErrorCode) Retryable() bool {
	return c == EngineUnavailable
}
