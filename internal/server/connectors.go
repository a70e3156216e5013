package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/destination"
	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/source"
	"github.com/transferd/transferd/internal/store"
)

// testTimeout bounds a connector connectivity check.
const testTimeout = 15 * time.Second

type connectorHandlers struct {
	store  store.Store
	logger zerolog.Logger
}

func (h *connectorHandlers) list(w http.ResponseWriter, r *http.Request) {
	cs, err := h.store.ListConnectors(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, cs)
}

func (h *connectorHandlers) get(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetConnector(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, c)
}

func (h *connectorHandlers) create(w http.ResponseWriter, r *http.Request) {
	var c model.Connector
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.IsActive = true
	if err := model.ValidateConnector(c); err != nil {
		httpError(w, err)
		return
	}
	if err := h.store.CreateConnector(r.Context(), c); err != nil {
		httpError(w, err)
		return
	}
	got, err := h.store.GetConnector(r.Context(), c.ID)
	if err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, got)
}

func (h *connectorHandlers) update(w http.ResponseWriter, r *http.Request) {
	var c model.Connector
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	c.ID = r.PathValue("id")
	if err := model.ValidateConnector(c); err != nil {
		httpError(w, err)
		return
	}
	if err := h.store.UpdateConnector(r.Context(), c); err != nil {
		httpError(w, err)
		return
	}
	got, err := h.store.GetConnector(r.Context(), c.ID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, got)
}

func (h *connectorHandlers) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteConnector(r.Context(), r.PathValue("id")); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// test opens a live connection with the stored credentials and records the
// outcome on the connector.
func (h *connectorHandlers) test(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetConnector(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
	defer cancel()

	testErr := testConnector(ctx, c, h.logger)
	if err := h.store.RecordConnectorTest(r.Context(), c.ID, testErr == nil, time.Now()); err != nil {
		h.logger.Warn().Err(err).Str("connector_id", c.ID).Msg("failed to record connector test")
	}

	result := map[string]any{"connector_id": c.ID, "success": testErr == nil}
	if testErr != nil {
		result["error"] = testErr.Error()
	}
	writeJSON(w, result)
}

// browseTable is one row of the source introspection listing.
type browseTable struct {
	Name       string `json:"name"`
	RowCount   int64  `json:"row_count"`
	CDCEnabled bool   `json:"cdc_enabled"`
}

// tables lists the tables visible through a source connector, with row
// counts and change-capture flags, for task setup.
func (h *connectorHandlers) tables(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetConnector(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}
	if c.Kind != model.KindSource {
		httpError(w, fmt.Errorf("%w: connector %s is not a source", model.ErrConfigInvalid, c.ID))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), testTimeout)
	defer cancel()

	src, err := source.New(c, h.logger)
	if err != nil {
		httpError(w, err)
		return
	}
	defer src.Close()
	if err := src.Connect(ctx); err != nil {
		httpError(w, err)
		return
	}

	names, err := src.ListTables(ctx)
	if err != nil {
		httpError(w, err)
		return
	}

	out := make([]browseTable, 0, len(names))
	for _, name := range names {
		bt := browseTable{Name: name}
		if n, err := src.RowCount(ctx, name); err == nil {
			bt.RowCount = n
		}
		if on, err := src.CDCEnabled(ctx, name); err == nil {
			bt.CDCEnabled = on
		}
		out = append(out, bt)
	}
	writeJSON(w, out)
}

func testConnector(ctx context.Context, c model.Connector, logger zerolog.Logger) error {
	switch c.Kind {
	case model.KindSource:
		src, err := source.New(c, logger)
		if err != nil {
			return err
		}
		defer src.Close()
		if err := src.Connect(ctx); err != nil {
			return err
		}
		return src.Ping(ctx)
	default:
		dst, err := destination.New(c, logger)
		if err != nil {
			return err
		}
		defer dst.Close()
		if err := dst.Connect(ctx); err != nil {
			return err
		}
		return dst.Ping(ctx)
	}
}
