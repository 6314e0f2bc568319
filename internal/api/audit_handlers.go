package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/JakeFAU/webaudit/internal/audit"
	"github.com/JakeFAU/webaudit/internal/breaker"
	"github.com/JakeFAU/webaudit/internal/registry"
)

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

type auditRequest struct {
	URL         string `json:"url"`
	BypassCache bool   `json:"bypass_cache"`
	NoCache     bool   `json:"no_cache"`
	// Timeout is the overall job budget in seconds.
	Timeout *int `json:"timeout"`
}

type submitResponse struct {
	JobID         string          `json:"job_id"`
	Status        audit.JobStatus `json:"status"`
	Cached        bool            `json:"cached"`
	Coalesced     bool            `json:"coalesced"`
	QueuePosition *int            `json:"queue_position,omitempty"`
	Message       string          `json:"message"`
}

type jobResponse struct {
	JobID           string          `json:"job_id"`
	Status          audit.JobStatus `json:"status"`
	URL             string          `json:"url"`
	Progress        audit.Progress  `json:"progress"`
	Result          *audit.Result   `json:"result"`
	Error           *string         `json:"error"`
	Cached          bool            `json:"cached"`
	CancelRequested bool            `json:"cancel_requested"`
	QueuePosition   *int            `json:"queue_position"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

type pageResponse struct {
	Items   []string `json:"items"`
	Total   int      `json:"total"`
	Page    int      `json:"page"`
	PerPage int      `json:"per_page"`
	HasNext bool     `json:"has_next"`
}

func toJobResponse(v audit.JobView) jobResponse {
	resp := jobResponse{
		JobID:           v.ID,
		Status:          v.Status,
		URL:             v.URL,
		Progress:        v.Progress(),
		Result:          v.Result,
		Cached:          v.Cached,
		CancelRequested: v.CancelRequested,
		QueuePosition:   v.QueuePosition,
		CreatedAt:       v.CreatedAt,
		StartedAt:       v.StartedAt,
		FinishedAt:      v.FinishedAt,
	}
	if v.Error != "" {
		msg := v.Error
		resp.Error = &msg
	}
	return resp
}

// submitAudit handles POST /v1/audit. Without ?wait it answers 202 with the
// admission decision; with ?wait=true it blocks until the job settles and
// returns the job document.
func (s *Server) submitAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	opts := audit.Options{BypassCache: req.BypassCache || req.NoCache}
	if req.Timeout != nil {
		if *req.Timeout <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout: must be a positive number of seconds")
			return
		}
		opts.Timeout = time.Duration(*req.Timeout) * time.Second
	}

	sub, err := s.deps.Dispatcher.Submit(r.Context(), audit.Request{
		URL:      req.URL,
		Options:  opts,
		ClientID: clientID(r),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		view, err := s.deps.Dispatcher.Await(r.Context(), sub.JobID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(view))
		return
	}

	resp := submitResponse{
		JobID:         sub.JobID,
		Status:        sub.Status,
		Cached:        sub.Cached,
		Coalesced:     sub.Coalesced,
		QueuePosition: sub.QueuePosition,
		Message:       "Audit job created. Poll GET /v1/audit/{job_id} for status.",
	}
	switch {
	case sub.Cached:
		resp.Message = "Audit served from cache."
	case sub.Status == audit.JobStatusQueued && sub.QueuePosition != nil:
		resp.Message = "Audit job queued at position " + strconv.Itoa(*sub.QueuePosition) + ". Poll GET /v1/audit/{job_id} for status."
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// getAudit handles GET /v1/audit/{job_id}, upgrading to a progress stream
// when the request is a WebSocket handshake.
func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if websocket.IsWebSocketUpgrade(r) {
		s.streamProgress(w, r, jobID)
		return
	}
	view, err := s.deps.Dispatcher.Get(jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(view))
}

// cancelAudit handles DELETE /v1/audit/{job_id}.
func (s *Server) cancelAudit(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	res, err := s.deps.Dispatcher.Cancel(jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	view, err := s.deps.Dispatcher.Get(jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if res == registry.CancelAlreadyTerminal {
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":    jobID,
			"cancelled": false,
			"result":    "already_terminal",
			"status":    view.Status,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":    jobID,
		"cancelled": true,
		"status":    view.Status,
	})
}

// listRunning handles GET /v1/audits/running?page=&per_page=.
func (s *Server) listRunning(w http.ResponseWriter, r *http.Request) {
	page, perPage, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	active := s.deps.Dispatcher.ListActive()
	ids := make([]string, 0, len(active))
	for _, v := range active {
		ids = append(ids, v.ID)
	}
	total := len(ids)
	start := min((page-1)*perPage, total)
	end := min(start+perPage, total)
	writeJSON(w, http.StatusOK, pageResponse{
		Items:   ids[start:end],
		Total:   total,
		Page:    page,
		PerPage: perPage,
		HasNext: end < total,
	})
}

// stats handles GET /v1/audits/stats.
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ds := s.deps.Dispatcher.Stats()
	body := map[string]any{
		"concurrency": map[string]int{
			"active_audits":         ds.Running,
			"max_concurrent_audits": ds.MaxConcurrent,
			"available_slots":       ds.Available,
		},
		"queue": map[string]int{
			"size":     ds.Queued,
			"max_size": ds.MaxQueue,
		},
		"in_flight_keys":   ds.InFlightKeys,
		"jobs":             ds.Jobs,
		"circuit_breakers": s.breakerStates(),
	}
	if s.deps.Pool != nil {
		body["resource_pool"] = s.deps.Pool.Stats()
	}
	if s.deps.Browsers != nil {
		body["browser_pool"] = s.deps.Browsers.Stats()
	}
	if s.deps.Cache != nil {
		body["cache"] = s.deps.Cache.Stats(r.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) breakerStates() map[string]breaker.Status {
	out := make(map[string]breaker.Status, len(s.deps.Breakers))
	for _, b := range s.deps.Breakers {
		st := b.Breaker()
		out[st.Name] = st
	}
	return out
}

func parsePage(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	page := 1
	if raw := q.Get("page"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 1 {
			return 0, 0, errors.New("invalid page")
		}
		page = val
	}
	perPage := defaultPerPage
	if raw := q.Get("per_page"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 1 || val > maxPerPage {
			return 0, 0, errors.New("invalid per_page: must be between 1 and 100")
		}
		perPage = val
	}
	return page, perPage, nil
}

// clientID identifies the caller for per-client limits: an explicit
// X-Client-ID header, else the first X-Forwarded-For hop, else the peer IP.
func clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
