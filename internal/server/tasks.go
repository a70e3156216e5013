package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/lifecycle"
	"github.com/transferd/transferd/internal/model"
	"github.com/transferd/transferd/internal/progress"
	"github.com/transferd/transferd/internal/store"
)

type taskHandlers struct {
	store     store.Store
	control   *lifecycle.Controller
	collector *progress.Collector
	logger    zerolog.Logger
}

func (h *taskHandlers) list(w http.ResponseWriter, r *http.Request) {
	ts, err := h.store.ListTasks(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, ts)
}

func (h *taskHandlers) get(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, t)
}

func (h *taskHandlers) create(w http.ResponseWriter, r *http.Request) {
	var t model.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Status = model.TaskCreated
	t.IsActive = true
	if err := model.ValidateTask(t); err != nil {
		httpError(w, err)
		return
	}
	// The referenced connectors must exist.
	if _, err := h.store.GetConnector(r.Context(), t.SourceConnectorID); err != nil {
		httpError(w, err)
		return
	}
	if _, err := h.store.GetConnector(r.Context(), t.DestinationConnectorID); err != nil {
		httpError(w, err)
		return
	}
	if err := h.store.CreateTask(r.Context(), t); err != nil {
		httpError(w, err)
		return
	}
	got, err := h.store.GetTask(r.Context(), t.ID)
	if err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, got)
}

func (h *taskHandlers) update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.control != nil && h.control.Running(id) {
		httpError(w, fmt.Errorf("%w: task is running, stop it before editing", model.ErrInvariant))
		return
	}
	var t model.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	t.ID = id
	if err := model.ValidateTask(t); err != nil {
		httpError(w, err)
		return
	}
	if err := h.store.UpdateTask(r.Context(), t); err != nil {
		httpError(w, err)
		return
	}
	got, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, got)
}

func (h *taskHandlers) remove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.control != nil && h.control.Running(id) {
		httpError(w, fmt.Errorf("%w: task is running, stop it before deleting", model.ErrInvariant))
		return
	}
	if err := h.store.DeleteTask(r.Context(), id); err != nil {
		httpError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type controlRequest struct {
	Action string `json:"action"`
}

func (h *taskHandlers) controlAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if h.control == nil {
		http.Error(w, "task control unavailable", http.StatusServiceUnavailable)
		return
	}

	var err error
	switch req.Action {
	case "start":
		err = h.control.Start(r.Context(), id)
	case "stop":
		err = h.control.Stop(r.Context(), id)
	case "pause":
		err = h.control.Pause(r.Context(), id)
	case "resume":
		err = h.control.Resume(r.Context(), id)
	default:
		http.Error(w, "unknown action "+strconv.Quote(req.Action), http.StatusBadRequest)
		return
	}
	if err != nil {
		httpError(w, err)
		return
	}

	t, err := h.store.GetTask(r.Context(), id)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]any{"task_id": id, "action": req.Action, "status": t.Status})
}

// tableLoadProgress is one table's full-load state in the detail view.
type tableLoadProgress struct {
	TableName     string            `json:"table_name"`
	Status        model.TableStatus `json:"status"`
	TotalRows     int64             `json:"total_rows"`
	ProcessedRows int64             `json:"processed_rows"`
	Percent       float64           `json:"percent"`
	RetryCount    int               `json:"retry_count,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// tableCDCProgress is one table's CDC state in the detail view.
type tableCDCProgress struct {
	TableName         string `json:"table_name"`
	Enabled           bool   `json:"enabled"`
	LastCursor        string `json:"last_cursor,omitempty"`
	FullLoadCompleted bool   `json:"full_load_completed"`
}

type taskDetail struct {
	Task             model.Task            `json:"task"`
	LatestExecution  *model.TaskExecution  `json:"latest_execution,omitempty"`
	FullLoadProgress []tableLoadProgress   `json:"full_load_progress"`
	CDCProgress      []tableCDCProgress    `json:"cdc_progress"`
	Executions       []model.TaskExecution `json:"recent_executions"`
}

// detail aggregates the task, its latest execution and per-table progress,
// restricted to the tables currently configured on the task.
func (h *taskHandlers) detail(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		httpError(w, err)
		return
	}

	d := taskDetail{Task: t}
	enabled := t.EnabledTables()
	configured := make(map[string]bool, len(enabled))
	for _, tbl := range enabled {
		configured[tbl] = true
	}

	if latest, err := h.store.LatestExecution(r.Context(), t.ID); err == nil {
		d.LatestExecution = &latest
		tes, err := h.store.ListTableExecutions(r.Context(), latest.ID)
		if err != nil {
			httpError(w, err)
			return
		}
		for _, te := range tes {
			// Tables dropped from the task since the execution ran are
			// not part of its current progress.
			if !configured[te.TableName] {
				continue
			}
			p := tableLoadProgress{
				TableName:     te.TableName,
				Status:        te.Status,
				TotalRows:     te.TotalRows,
				ProcessedRows: te.ProcessedRows,
				RetryCount:    te.RetryCount,
				ErrorMessage:  te.ErrorMessage,
			}
			if te.TotalRows > 0 {
				p.Percent = float64(te.ProcessedRows) / float64(te.TotalRows) * 100
			}
			d.FullLoadProgress = append(d.FullLoadProgress, p)
		}
	}

	if t.Mode != model.ModeFullLoad {
		for _, tbl := range enabled {
			state := t.CDCState[tbl]
			_, loaded := t.FullLoadCompleted[tbl]
			d.CDCProgress = append(d.CDCProgress, tableCDCProgress{
				TableName:         tbl,
				Enabled:           state.Enabled,
				LastCursor:        state.LastCursor,
				FullLoadCompleted: loaded,
			})
		}
	}

	if execs, err := h.store.ListExecutions(r.Context(), t.ID, 10); err == nil {
		d.Executions = execs
	}
	writeJSON(w, d)
}

func (h *taskHandlers) executions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	execs, err := h.store.ListExecutions(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, execs)
}
