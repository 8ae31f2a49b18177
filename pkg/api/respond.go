package api

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
)

// writeJSON renders v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the shape every error response renders, per spec §6:
// {"error": "<message>", "status": <code>}, plus an error_kind field so a
// ConflictLease can be distinguished from a plain Conflict at the same
// status code.
type errorBody struct {
	Error     string `json:"error"`
	Status    int    `json:"status"`
	ErrorKind string `json:"error_kind"`
}

// writeError classifies err via apierr and renders it as JSON, logging at
// Error level (with stack trace) for Internal-kind failures.
func writeError(w http.ResponseWriter, log *logrus.Entry, err error) {
	kind := apierr.KindOf(err)
	status := kind.HTTPStatus()
	if kind == apierr.Internal {
		log.WithError(apierr.WrapStack(err)).Error("internal error")
	}
	writeJSON(w, status, errorBody{
		Error:     apierr.Message(err),
		Status:    status,
		ErrorKind: kind.String(),
	})
}
