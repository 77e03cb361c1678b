package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HealthResponse is the body of GET /health. It reports process liveness
// only, not dependency health.
type HealthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// UploadedFile describes one stored file in a successful upload response.
type UploadedFile struct {
	RecordID  string `json:"recordId"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"sizeBytes"`
	Timestamp string `json:"timestamp"`
}

// UploadResponse is the body of a successful POST /upload. The top-level
// fields mirror the first stored file; Uploads lists every file from the
// request body.
type UploadResponse struct {
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	RecordID  string         `json:"recordId"`
	Filename  string         `json:"filename"`
	SizeBytes int64          `json:"sizeBytes"`
	User      string         `json:"user"`
	Timestamp string         `json:"timestamp"`
	Uploads   []UploadedFile `json:"uploads"`
}

// ErrorResponse is the body of any non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode JSON response", "err", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
