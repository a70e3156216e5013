package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/store"
)

type variableHandlers struct {
	store store.Store
}

func (h *variableHandlers) list(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	vs, err := h.store.ListVariables(r.Context(), activeOnly)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, vs)
}

func (h *variableHandlers) get(w http.ResponseWriter, r *http.Request) {
	v, err := h.store.GetVariableByName(r.Context(), r.PathValue("name"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, v)
}

func (h *variableHandlers) create(w http.ResponseWriter, r *http.Request) {
	var v model.GlobalVariable
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.IsActive = true
	if err := model.ValidateVariable(v); err != nil {
		httpError(w, err)
		return
	}
	if err := h.store.CreateVariable(r.Context(), v); err != nil {
		httpError(w, err)
		return
	}
	got, err := h.store.GetVariableByName(r.Context(), v.Name)
	if err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, got)
}

func (h *variableHandlers) update(w http.ResponseWriter, r *http.Request) {
	var v model.GlobalVariable
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	v.ID = r.PathValue("id")
	if err := model.ValidateVariable(v); err != nil {
		httpError(w, err)
		return
	}
	if err := h.store.UpdateVariable(r.Context(), v); err != nil {
		httpError(w, err)
		return
	}
	got, err := h.store.GetVariableByName(r.Context(), v.Name)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, got)
}

func (h *variableHandlers) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteVariable(r.Context(), r.PathValue("id")); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
