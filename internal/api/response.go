// Package api implements the HTTP REST surface of spec.md §6.1: a chi
// router under /api/v1, app-token and JWT middleware, and one handler file
// per component package. Grounded directly on the teacher's internal/api
// package for its JSON/Ok/decodeJSON helper shape — only the wire envelope
// itself changes, to match spec.md §6.4's {status, err_code, err_msg} /
// {status, result} rather than the teacher's {"data": ...} / {"error": {}}.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/sentc-io/sentc/server/internal/apperr"
)

// envelope is the wire shape for every response, success or failure, per
// spec.md §6.4: Status mirrors the HTTP status's 2xx-ness, ErrCode/ErrMsg
// are populated only on failure, Result only on success.
type envelope struct {
	Status  bool   `json:"status"`
	ErrCode uint32 `json:"err_code,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// JSON writes a JSON-encoded envelope with the given HTTP status.
func JSON(w http.ResponseWriter, status int, e envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// Ok writes a 200 OK response with payload as the result.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{Status: true, Result: payload})
}

// Created writes a 201 Created response with payload as the result.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{Status: true, Result: payload})
}

// NoContent writes a 204 with no body, used for delete endpoints.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteError resolves err through apperr's taxonomy and writes the
// matching envelope. Every handler funnels its error return through this
// single function rather than hand-rolling a response.
func WriteError(w http.ResponseWriter, err error) {
	kind := apperr.Resolve(err)
	JSON(w, kind.Status(), envelope{Status: false, ErrCode: kind.Code(), ErrMsg: kind.Error()})
}

// decodeJSON decodes the request body into dst, capping it at 1MB (ciphertext
// payloads route through internal/files/internal/content instead of this
// path, so ordinary JSON bodies are never expected to be large).
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return false
	}
	return true
}
