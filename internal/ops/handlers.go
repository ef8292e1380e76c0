package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"farmfeed/internal/feeding"
	"farmfeed/internal/notifier"
	"farmfeed/internal/scheduler"
	logx "farmfeed/pkg/logx"
)

// Scheduler is the subset of *scheduler.Service the server drives.
type Scheduler interface {
	Status() scheduler.Status
	NextScheduledFeeding(ctx context.Context) (*feeding.Event, error)
	ForceExecute(ctx context.Context, id string) (*feeding.Event, error)
	SetDeviceAddress(addr string)
	DeviceAddress() string
}

// History exposes recent notification deliveries.
type History interface {
	Snapshot() []notifier.HistoryItem
}

type handlers struct {
	sched   Scheduler
	history History
	log     logx.Logger
}

type statusResponse struct {
	scheduler.Status
	PollInterval string `json:"poll_interval"`
}

type deviceBody struct {
	Address string `json:"address"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	st := h.sched.Status()
	writeJSON(w, http.StatusOK, statusResponse{Status: st, PollInterval: st.PollInterval.String()})
}

func (h *handlers) nextFeeding(w http.ResponseWriter, r *http.Request) {
	ev, err := h.sched.NextScheduledFeeding(r.Context())
	if err != nil {
		h.fail(w, "next feeding", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*feeding.Event{"event": ev})
}

func (h *handlers) forceExecute(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing event id"})
		return
	}
	ev, err := h.sched.ForceExecute(r.Context(), id)
	if err != nil {
		h.fail(w, "force execute", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *handlers) getDevice(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, deviceBody{Address: h.sched.DeviceAddress()})
}

func (h *handlers) putDevice(w http.ResponseWriter, r *http.Request) {
	var body deviceBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	h.sched.SetDeviceAddress(body.Address)
	writeJSON(w, http.StatusOK, deviceBody{Address: h.sched.DeviceAddress()})
}

func (h *handlers) notifications(w http.ResponseWriter, _ *http.Request) {
	items := []notifier.HistoryItem{}
	if h.history != nil {
		items = append(items, h.history.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *handlers) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, feeding.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, feeding.ErrNotSchedulable):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		h.log.Warn("ops request failed", logx.String("op", op), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
