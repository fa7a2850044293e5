// Package errors defines the structured error taxonomy shared by the
// supervisor, the RPC client, the proxy gateway and the binary manager.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to callers. Codes are stable and safe to match on.
const (
	CodeArtifactMissing         = "ARTIFACT_MISSING"
	CodeUnsupportedArchitecture = "UNSUPPORTED_ARCHITECTURE"
	CodeProcessExited           = "PROCESS_EXITED"
	CodeRPCUnreachable          = "RPC_UNREACHABLE"
	CodeRPCError                = "RPC_ERROR"
	CodeAuthenticationFailed    = "AUTHENTICATION_FAILED"
	CodeMalformedResponse       = "MALFORMED_RESPONSE"
	CodeDownloadFailed          = "DOWNLOAD_FAILED"
	CodeExtractionFailed        = "EXTRACTION_FAILED"
	CodeVerificationFailed      = "VERIFICATION_FAILED"
	CodeUpdateRollback          = "UPDATE_ROLLBACK"
	CodeBusy                    = "BUSY"
	CodeProxyError              = "PROXY_ERROR"
)

// AppError represents a structured application error.
type AppError struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Code is an internal error code string.
	Code string `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Details provides additional error context (optional).
	Details map[string]interface{} `json:"details,omitempty"`
	// Retryable marks failures the caller may re-invoke idempotently.
	Retryable bool `json:"retryable,omitempty"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError carrying the same code, so that
// errors.Is(err, &AppError{Code: CodeBusy}) matches any busy error.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !stderrors.As(target, &t) || t == nil {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// ToJSON returns the JSON byte representation of the error.
func (e *AppError) ToJSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// New creates a new AppError.
func New(statusCode int, code, message string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: statusCode,
		Code:           code,
		Message:        message,
		Err:            err,
	}
}

// HasCode reports whether any error in err's chain is an AppError with code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// ArtifactMissing reports that no executable daemon artifact is installed.
func ArtifactMissing(path string) *AppError {
	e := New(http.StatusConflict, CodeArtifactMissing, "monerod binary not found", nil)
	if path != "" {
		e.Details = map[string]interface{}{"path": path}
	}
	return e
}

// UnsupportedArchitecture reports a CPU/OS pair with no downloadable artifact.
func UnsupportedArchitecture(arch string) *AppError {
	return &AppError{
		HTTPStatusCode: http.StatusNotImplemented,
		Code:           CodeUnsupportedArchitecture,
		Message:        "unsupported CPU architecture: " + arch,
		Details:        map[string]interface{}{"arch": arch},
	}
}

// ProcessExited reports that the daemon died before answering RPC.
func ProcessExited(exitCode int) *AppError {
	return &AppError{
		HTTPStatusCode: http.StatusInternalServerError,
		Code:           CodeProcessExited,
		Message:        fmt.Sprintf("monerod exited with code %d", exitCode),
		Details:        map[string]interface{}{"exit_code": exitCode},
		Retryable:      true,
	}
}

// ExitCode extracts the exit code from a ProcessExited error.
func ExitCode(err error) (int, bool) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) || appErr.Code != CodeProcessExited {
		return 0, false
	}
	code, ok := appErr.Details["exit_code"].(int)
	return code, ok
}

// RPCUnreachable reports that neither the plaintext nor the TLS endpoint answered.
func RPCUnreachable(err error) *AppError {
	return &AppError{
		HTTPStatusCode: http.StatusBadGateway,
		Code:           CodeRPCUnreachable,
		Message:        "failed to connect to node RPC",
		Retryable:      true,
		Err:            err,
	}
}

// RPCError wraps a JSON-RPC error object returned by the daemon.
func RPCError(code int, message string) *AppError {
	return &AppError{
		HTTPStatusCode: http.StatusBadGateway,
		Code:           CodeRPCError,
		Message:        fmt.Sprintf("rpc error %d: %s", code, message),
		Details:        map[string]interface{}{"rpc_code": code, "rpc_message": message},
	}
}

// AuthenticationFailed reports a second 401 after a digest retry.
func AuthenticationFailed(realm string) *AppError {
	e := New(http.StatusUnauthorized, CodeAuthenticationFailed, "rpc authentication failed", nil)
	if realm != "" {
		e.Details = map[string]interface{}{"realm": realm}
	}
	return e
}

// MalformedResponse reports a response body that is not a usable JSON-RPC envelope.
func MalformedResponse(err error) *AppError {
	return New(http.StatusBadGateway, CodeMalformedResponse, "malformed rpc response", err)
}

// DownloadFailed reports a non-2xx download status or a transport failure.
// status is zero when no HTTP response was received.
func DownloadFailed(status int, err error) *AppError {
	msg := "download failed"
	if status > 0 {
		msg = fmt.Sprintf("download failed: HTTP %d", status)
	}
	e := &AppError{
		HTTPStatusCode: http.StatusBadGateway,
		Code:           CodeDownloadFailed,
		Message:        msg,
		Retryable:      true,
		Err:            err,
	}
	if status > 0 {
		e.Details = map[string]interface{}{"http_status": status}
	}
	return e
}

// ExtractionFailed reports that the archive could not be unpacked or lacked the daemon.
func ExtractionFailed(err error) *AppError {
	return &AppError{
		HTTPStatusCode: http.StatusInternalServerError,
		Code:           CodeExtractionFailed,
		Message:        "failed to extract monerod binary",
		Retryable:      true,
		Err:            err,
	}
}

// VerificationFailed reports a checksum or signature mismatch on a downloaded archive.
func VerificationFailed(err error) *AppError {
	return &AppError{
		HTTPStatusCode: http.StatusInternalServerError,
		Code:           CodeVerificationFailed,
		Message:        "release verification failed",
		Retryable:      true,
		Err:            err,
	}
}

// UpdateRollback reports a failed update after the previous binary was restored.
func UpdateRollback(reason string, err error) *AppError {
	return &AppError{
		HTTPStatusCode: http.StatusInternalServerError,
		Code:           CodeUpdateRollback,
		Message:        "update rolled back: " + reason,
		Details:        map[string]interface{}{"reason": reason},
		Retryable:      true,
		Err:            err,
	}
}

// Busy reports that an install or update is already running.
func Busy(operation string) *AppError {
	return &AppError{
		HTTPStatusCode: http.StatusConflict,
		Code:           CodeBusy,
		Message:        operation + " already in progress",
		Retryable:      true,
	}
}
