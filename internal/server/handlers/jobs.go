package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/opswatch/pkg/engine"
	"github.com/3leaps/opswatch/pkg/history"
	"github.com/3leaps/opswatch/pkg/output"
)

// StatusSource produces job status listings. *engine.Engine satisfies it.
type StatusSource interface {
	Status(ctx context.Context, opts engine.StatusOptions) (*engine.StatusReport, error)
}

// HistorySource lists audit events. *history.Store satisfies it.
type HistorySource interface {
	List(ctx context.Context, f history.Filter) ([]history.Event, error)
}

// TickSummary describes the most recent tick run by the server.
type TickSummary struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Sections   int       `json:"sections"`
	Delivered  bool      `json:"delivered"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	Digest     string    `json:"digest,omitempty"`
}

// TickTrigger runs and remembers ticks.
type TickTrigger interface {
	TickNow(ctx context.Context) TickSummary
	Last() (TickSummary, bool)
}

// JobsResponse is the body of GET /jobs.
type JobsResponse struct {
	Config string                    `json:"config"`
	Jobs   []*output.JobStatusRecord `json:"jobs"`
	Queue  []*output.QueueItemRecord `json:"queue"`
}

// Jobs serves job, history and tick endpoints.
type Jobs struct {
	status  StatusSource
	history HistorySource
	ticks   TickTrigger
}

// NewJobs builds the handler set. history and ticks may be nil.
func NewJobs(status StatusSource, hist HistorySource, ticks TickTrigger) *Jobs {
	return &Jobs{status: status, history: hist, ticks: ticks}
}

// List handles GET /jobs. ?jobs=<glob> filters, ?probe=false skips probes.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	opts := engine.StatusOptions{Jobs: r.URL.Query().Get("jobs")}
	if p := r.URL.Query().Get("probe"); p != "" {
		probe, err := strconv.ParseBool(p)
		if err != nil {
			respondWithError(w, r, fmt.Errorf("%w: probe=%q", errBadRequest, p))
			return
		}
		opts.NoProbe = !probe
	}
	rep, err := h.status.Status(r.Context(), opts)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rep))
}

// Get handles GET /jobs/{id}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rep, err := h.status.Status(r.Context(), engine.StatusOptions{NoProbe: r.URL.Query().Get("probe") == "false"})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	for _, v := range rep.Jobs {
		if v.Job.ID == id {
			writeJSON(w, http.StatusOK, v.Record())
			return
		}
	}
	respondWithError(w, r, fmt.Errorf("%w: %s", engine.ErrUnknownJob, id))
}

// History handles GET /history. ?job, ?kind and ?limit filter.
func (h *Jobs) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		respondWithError(w, r, fmt.Errorf("%w: history is disabled", errBadRequest))
		return
	}
	q := r.URL.Query()
	f := history.Filter{JobID: q.Get("job"), Kind: history.Kind(q.Get("kind"))}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			respondWithError(w, r, fmt.Errorf("%w: limit=%q", errBadRequest, l))
			return
		}
		f.Limit = n
	}
	events, err := h.history.List(r.Context(), f)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	out := make([]*output.EventRecord, 0, len(events))
	for _, ev := range events {
		out = append(out, engine.EventRecord(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

// LastTick handles GET /tick.
func (h *Jobs) LastTick(w http.ResponseWriter, r *http.Request) {
	if h.ticks == nil {
		respondWithError(w, r, fmt.Errorf("%w: tick loop is disabled", errBadRequest))
		return
	}
	last, ok := h.ticks.Last()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// RunTick handles POST /tick. It waits for any tick already in progress.
func (h *Jobs) RunTick(w http.ResponseWriter, r *http.Request) {
	if h.ticks == nil {
		respondWithError(w, r, fmt.Errorf("%w: tick loop is disabled", errBadRequest))
		return
	}
	writeJSON(w, http.StatusOK, h.ticks.TickNow(r.Context()))
}

func toResponse(rep *engine.StatusReport) JobsResponse {
	resp := JobsResponse{
		Config: rep.ConfigPath,
		Jobs:   make([]*output.JobStatusRecord, 0, len(rep.Jobs)),
		Queue:  make([]*output.QueueItemRecord, 0, len(rep.Queue)),
	}
	for _, v := range rep.Jobs {
		resp.Jobs = append(resp.Jobs, v.Record())
	}
	for _, q := range rep.Queue {
		resp.Queue = append(resp.Queue, engine.QueueRecord(q))
	}
	return resp
}
