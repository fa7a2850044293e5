package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "message only",
			err:  Busy("update"),
			want: "update already in progress",
		},
		{
			name: "wrapped cause",
			err:  RPCUnreachable(errors.New("connection refused")),
			want: "failed to connect to node RPC: connection refused",
		},
		{
			name: "download status",
			err:  DownloadFailed(404, nil),
			want: "download failed: HTTP 404",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("install: %w", Busy("install"))

	if !errors.Is(err, &AppError{Code: CodeBusy}) {
		t.Fatal("expected wrapped busy error to match by code")
	}
	if errors.Is(err, &AppError{Code: CodeDownloadFailed}) {
		t.Fatal("busy error must not match DOWNLOAD_FAILED")
	}
	if errors.Is(err, &AppError{}) {
		t.Fatal("empty code must never match")
	}
}

func TestAppError_UnwrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := ExtractionFailed(cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the underlying cause")
	}
}

func TestHasCode_WalksNestedAppErrors(t *testing.T) {
	inner := ExtractionFailed(errors.New("no monerod in archive"))
	outer := UpdateRollback("extraction failed", inner)

	if !HasCode(outer, CodeUpdateRollback) {
		t.Error("outer code not found")
	}
	if !HasCode(outer, CodeExtractionFailed) {
		t.Error("nested code not found")
	}
	if HasCode(outer, CodeBusy) {
		t.Error("unexpected BUSY match")
	}
	if HasCode(nil, CodeBusy) {
		t.Error("nil error must not carry a code")
	}
	if got := CodeOf(outer); got != CodeUpdateRollback {
		t.Errorf("CodeOf() = %q, want %q", got, CodeUpdateRollback)
	}
}

func TestExitCode(t *testing.T) {
	code, ok := ExitCode(fmt.Errorf("start: %w", ProcessExited(137)))
	if !ok || code != 137 {
		t.Fatalf("ExitCode() = %d, %v; want 137, true", code, ok)
	}

	if _, ok := ExitCode(Busy("install")); ok {
		t.Fatal("ExitCode() should reject non PROCESS_EXITED errors")
	}
}

func TestConstructors_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   string
		status int
		retry  bool
	}{
		{"artifact missing", ArtifactMissing("/data/bin/monerod"), CodeArtifactMissing, http.StatusConflict, false},
		{"unsupported arch", UnsupportedArchitecture("mips"), CodeUnsupportedArchitecture, http.StatusNotImplemented, false},
		{"process exited", ProcessExited(1), CodeProcessExited, http.StatusInternalServerError, true},
		{"rpc error", RPCError(-32601, "Method not found"), CodeRPCError, http.StatusBadGateway, false},
		{"auth failed", AuthenticationFailed("monero-rpc"), CodeAuthenticationFailed, http.StatusUnauthorized, false},
		{"malformed", MalformedResponse(nil), CodeMalformedResponse, http.StatusBadGateway, false},
		{"verification", VerificationFailed(nil), CodeVerificationFailed, http.StatusInternalServerError, true},
		{"busy", Busy("update"), CodeBusy, http.StatusConflict, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %s, want %s", tt.err.Code, tt.code)
			}
			if tt.err.HTTPStatusCode != tt.status {
				t.Errorf("HTTPStatusCode = %d, want %d", tt.err.HTTPStatusCode, tt.status)
			}
			if tt.err.Retryable != tt.retry {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retry)
			}
		})
	}
}

func TestAppError_ToJSON(t *testing.T) {
	appErr := UnsupportedArchitecture("riscv64")

	var parsed map[string]interface{}
	if err := json.Unmarshal(appErr.ToJSON(), &parsed); err != nil {
		t.Fatalf("ToJSON() produced invalid JSON: %v", err)
	}

	if parsed["code"] != CodeUnsupportedArchitecture {
		t.Errorf("code = %v, want %s", parsed["code"], CodeUnsupportedArchitecture)
	}
	details, ok := parsed["details"].(map[string]interface{})
	if !ok {
		t.Fatal("details should be a map")
	}
	if details["arch"] != "riscv64" {
		t.Errorf("details.arch = %v, want riscv64", details["arch"])
	}
	if _, exists := parsed["retryable"]; exists {
		t.Error("retryable=false should be omitted")
	}
}

func TestNew_NilError(t *testing.T) {
	appErr := New(http.StatusBadGateway, CodeProxyError, "Proxy error: timeout", nil)

	if appErr.Err != nil {
		t.Errorf("Err = %v, want nil", appErr.Err)
	}
	if appErr.Error() != "Proxy error: timeout" {
		t.Errorf("Error() = %s, want Proxy error: timeout", appErr.Error())
	}
}
