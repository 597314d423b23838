package ipc

import (
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/ashishkum25/AiChatCode/pkg/errors"
)

// decodeJSONBody decodes a request body with a size cap.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "malformed request body")
	}
	return nil
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response carrying the error
// taxonomy code when one is present.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Message   string `json:"message"`
		Details   string `json:"details,omitempty"`
		Retryable bool   `json:"retryable,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var appErr *apperrors.Error
	if stdliberrors.As(err, &appErr) {
		response.Code = string(appErr.Code)
		if appErr.UserMessage != "" {
			response.Message = appErr.UserMessage
		} else if appErr.Message != "" {
			response.Message = appErr.Message
		}
		response.Retryable = appErr.Retryable
		response.Details = appErr.Error()
	} else if err != nil {
		response.Message = err.Error()
		response.Details = fmt.Sprintf("%v", err)
	}

	response.Error = response.Message
	_ = json.NewEncoder(w).Encode(response)
}

// statusForHandshakeError maps the handshake error taxonomy onto HTTP status
// codes for pre-upgrade rejections.
func statusForHandshakeError(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeInvalidProject:
		return http.StatusBadRequest
	case apperrors.ErrCodeProjectNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeMissingCredential, apperrors.ErrCodeInvalidCredential:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
