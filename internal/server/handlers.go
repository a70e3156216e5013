package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/transferd/transferd/internal/model"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// httpError maps engine error kinds onto status codes.
func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrConfigInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrInvariant):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
