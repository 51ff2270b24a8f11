package response

import (
	"encoding/json"
	"net/http"
)

type envelope struct {
	Data     any      `json:"data"`
	Warnings []string `json:"warnings,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

// CreatedWithWarnings is Created plus non-fatal warnings, used when an
// operation succeeds but skipped drifted entities.
func CreatedWithWarnings(w http.ResponseWriter, data any, warnings []string) {
	writeJSON(w, http.StatusCreated, envelope{Data: data, Warnings: warnings})
}

func JSONWithWarnings(w http.ResponseWriter, data any, warnings []string) {
	writeJSON(w, http.StatusOK, envelope{Data: data, Warnings: warnings})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
