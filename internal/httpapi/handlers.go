package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/mediacards/internal/errs"
	"github.com/MimeLyc/mediacards/internal/events"
	"github.com/MimeLyc/mediacards/internal/ingest"
	"github.com/MimeLyc/mediacards/internal/jobs"
	"github.com/MimeLyc/mediacards/internal/scheduler"
	"github.com/MimeLyc/mediacards/pkg/log"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 500
	maxExportLimit   = 10000
	defaultTickDelay = 1000
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest is not configured")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	res, err := s.ingest.HandleWebhook(r.Context(), body, r.Header.Get(ingest.SignatureHeader))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleWorkerPull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.workerAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "worker is not configured")
		return
	}
	res, err := s.runner.RunOnce(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type tickResponse struct {
	Success bool `json:"success"`
	scheduler.TickResult
}

func (s *Server) handleCronTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.cronAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.driver == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler is not configured")
		return
	}
	q := r.URL.Query()
	iterations, err := queryInt(q, "iterations", scheduler.DefaultIterations)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid iterations")
		return
	}
	delayMs, err := queryInt(q, "delay", defaultTickDelay)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid delay")
		return
	}
	res := s.driver.Tick(r.Context(), iterations, time.Duration(delayMs)*time.Millisecond)
	writeJSON(w, http.StatusOK, tickResponse{Success: true, TickResult: res})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.probe == nil {
		writeError(w, http.StatusServiceUnavailable, "health probe is not configured")
		return
	}
	report, err := s.probe.Health(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleMonitoring(w http.ResponseWriter, r *http.Request) {
	if !s.cronAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if s.probe == nil {
		writeError(w, http.StatusServiceUnavailable, "health probe is not configured")
		return
	}

	endpoint := strings.Trim(strings.TrimPrefix(r.URL.Path, "/monitoring/"), "/")
	if endpoint == "cleanup" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		days, err := queryInt(r.URL.Query(), "older_than_days", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid older_than_days")
			return
		}
		writeJSON(w, http.StatusOK, s.probe.Cleanup(r.Context(), days))
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	var (
		data any
		err  error
	)
	switch endpoint {
	case "metrics":
		data, err = s.probe.Metrics(ctx)
	case "alerts":
		data, err = s.probe.Alerts(ctx)
	case "dashboard":
		data, err = s.probe.Dashboard(ctx)
	case "export":
		s.handleExport(w, r)
		return
	default:
		writeError(w, http.StatusBadRequest, "Invalid monitoring endpoint")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query(), 0, maxExportLimit)
	if err != nil {
		writeErr(w, err)
		return
	}
	data, err := s.probe.Export(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	name := fmt.Sprintf("jobs-%s.xlsx", s.queue.Now().Format("20060102-150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !s.readerAuthorized(r) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		f, err := parseFilter(r.URL.Query(), defaultListLimit, maxListLimit)
		if err != nil {
			writeErr(w, err)
			return
		}
		f.NewestFirst = true
		list, err := s.queue.List(r.Context(), f)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		if !s.workerAuthorized(r) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if s.ingest == nil {
			writeError(w, http.StatusServiceUnavailable, "ingest is not configured")
			return
		}
		var req ingest.Upload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON payload")
			return
		}
		res, err := s.ingest.Submit(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJobByID serves /api/jobs/{id} and /api/jobs/{id}/retry.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	rawID, action, _ := strings.Cut(rest, "/")
	if decoded, err := url.PathUnescape(rawID); err == nil {
		rawID = decoded
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid job id")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !s.readerAuthorized(r) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		job, err := s.queue.Get(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case "retry":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !s.cronAuthorized(r) {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		job, err := s.queue.Retry(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if err := s.pub.Publish(r.Context(), events.FromJob(events.JobRetried, job)); err != nil {
			log.WithFields(log.Fields{"job_id": job.ID}).WithError(err).Warn("Failed to publish retry event")
		}
		writeJSON(w, http.StatusOK, job)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// parseFilter reads status, type, created_by and limit. status and type
// accept comma-separated lists.
func parseFilter(q url.Values, defaultLimit, maxLimit int) (jobs.Filter, error) {
	f := jobs.Filter{CreatedBy: strings.TrimSpace(q.Get("created_by")), Limit: defaultLimit}
	for _, raw := range splitList(q["status"]) {
		status := jobs.Status(raw)
		if !status.Valid() {
			return f, errs.Newf(errs.KindValidation, "Invalid status: %s", raw)
		}
		f.Statuses = append(f.Statuses, status)
	}
	for _, raw := range splitList(q["type"]) {
		typ := jobs.Type(raw)
		if !typ.Valid() {
			return f, errs.Newf(errs.KindValidation, "Invalid job type: %s", raw)
		}
		f.Types = append(f.Types, typ)
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return f, errs.New(errs.KindValidation, "Invalid limit")
		}
		f.Limit = min(limit, maxLimit)
	}
	return f, nil
}

func splitList(values []string) []string {
	var ret []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ret = append(ret, part)
			}
		}
	}
	return ret
}

func queryInt(q url.Values, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

// writeErr maps err to a status. Server-side failures are logged and
// reported without detail.
func writeErr(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
		writeError(w, status, "Internal server error")
		return
	}
	writeError(w, status, errs.Message(err))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
