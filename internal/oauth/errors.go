package oauth

import (
	"encoding/json"
	"errors"
	"net/http"

	"tokenbroker/pkg/logging"
)

// OAuth error codes returned to callers.
const (
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidGrant         = "invalid_grant"
	ErrCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrCodeUnknownTxn           = "unknown_txn"
	ErrCodeProviderTokenError   = "provider_token_error"
	ErrCodeProviderNoToken      = "provider_no_token"
	ErrCodeProviderRefresh      = "provider_refresh_failed"
	ErrCodeProviderTokenExpired = "provider_token_expired"
	ErrCodeServerError          = "server_error"
)

// Error is an OAuth-style failure. Description is safe to show to callers;
// Err carries the internal cause and is only logged.
type Error struct {
	Code        string
	Description string
	Status      int
	Err         error
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code string, status int, description string, cause error) *Error {
	return &Error{Code: code, Description: description, Status: status, Err: cause}
}

func invalidRequest(description string) *Error {
	return newError(ErrCodeInvalidRequest, http.StatusBadRequest, description, nil)
}

func invalidGrant(description string) *Error {
	return newError(ErrCodeInvalidGrant, http.StatusBadRequest, description, nil)
}

func serverError(description string, cause error) *Error {
	return newError(ErrCodeServerError, http.StatusInternalServerError, description, cause)
}

// AsError converts any error into an *Error, mapping unknown errors to
// server_error.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return serverError("internal error", err)
}

// ErrorCode returns the OAuth error code carried by err, or "" if err is not
// an *Error.
func ErrorCode(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeJSONError renders err as an OAuth JSON error body.
func writeJSONError(w http.ResponseWriter, err error) {
	oe := AsError(err)
	if oe.Err != nil {
		logging.Debug("OAuth", "Request failed with %s: %v", oe.Code, oe.Err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(oe.Status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: oe.Code, ErrorDescription: oe.Description})
}
