package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veorc/veorc/internal/errkit"
	"github.com/veorc/veorc/pkg/statestore"
)

// writeError maps an error to an HTTP status via a single errors.As
// switch, instead of scattering status codes through handlers.
func writeError(w http.ResponseWriter, err error) {
	var validationErr *errkit.ValidationError
	var notFoundErr *errkit.NotFoundError
	var conflictErr *errkit.ConflictError
	var storeConflictErr *statestore.ConflictErr
	var storeNotFoundErr *statestore.NotFoundErr

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.As(err, &notFoundErr), errors.As(err, &storeNotFoundErr):
		status = http.StatusNotFound
	case errors.As(err, &conflictErr), errors.As(err, &storeConflictErr):
		status = http.StatusConflict
	}

	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func readJSONBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
