package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/candlevault/candlevault/internal/models"
	"github.com/candlevault/candlevault/internal/telemetry"
)

// maxJobSymbols bounds one submission; larger universes go through the
// daily run.
const maxJobSymbols = 100

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type healthResponse struct {
	Status    string           `json:"status"`
	Time      time.Time        `json:"time"`
	Database  string           `json:"database"`
	Scheduler *scheduleStatus  `json:"scheduler,omitempty"`
	Alerts    []telemetryAlert `json:"alerts,omitempty"`
}

type scheduleStatus struct {
	Running     bool      `json:"running"`
	NextFire    time.Time `json:"next_fire"`
	JobInFlight bool      `json:"job_in_flight"`
}

type telemetryAlert struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Time: time.Now().UTC(), Database: "ok"}

	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()
	if err := s.db.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = err.Error()
	}

	if s.scheduler != nil {
		st := s.scheduler.Status()
		resp.Scheduler = &scheduleStatus{
			Running:     st.Running,
			NextFire:    st.NextFire,
			JobInFlight: st.JobInFlight,
		}
	}
	if s.metrics != nil {
		for _, a := range s.metrics.Evaluate(telemetry.DefaultThresholds(), time.Now()) {
			resp.Alerts = append(resp.Alerts, telemetryAlert{Rule: a.Rule, Message: a.Message})
		}
		if len(resp.Alerts) > 0 && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 15*time.Second)
	defer cancel()

	symbols, err := s.repo.Symbols.GetSymbolsDetailed(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load symbols")
		return
	}
	if symbols == nil {
		symbols = []models.SymbolSummary{}
	}
	writeJSON(w, http.StatusOK, symbols)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	ctx, cancel := contextWithTimeout(r, 15*time.Second)
	defer cancel()

	job, err := s.repo.Jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type submitJobRequest struct {
	Symbols    []string `json:"symbols,omitempty"`
	Timeframes []string `json:"timeframes,omitempty"`
	Start      string   `json:"start,omitempty"`
	End        string   `json:"end,omitempty"`
}

type submitJobResponse struct {
	Queued bool `json:"queued"`
}

// handleSubmitJob validates the request shape and enqueues it behind the
// scheduler. Symbol existence is checked by the engine at run time.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}

	var body submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req, err := buildRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.scheduler.Trigger(req); err != nil {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, submitJobResponse{Queued: true})
}

func buildRequest(body submitJobRequest) (models.BackfillRequest, error) {
	var req models.BackfillRequest

	if len(body.Symbols) > maxJobSymbols {
		return req, models.Errorf(models.ErrValidation, "at most %d symbols per job", maxJobSymbols)
	}
	req.Symbols = body.Symbols

	for _, s := range body.Timeframes {
		tf, err := models.ParseTimeframe(s)
		if err != nil {
			return req, models.WrapKind(models.ErrValidation, err)
		}
		req.Timeframes = append(req.Timeframes, tf)
	}

	if (body.Start == "") != (body.End == "") {
		return req, models.Errorf(models.ErrValidation, "start and end must be given together")
	}
	if body.Start != "" {
		start, err := time.Parse("2006-01-02", body.Start)
		if err != nil {
			return req, models.Errorf(models.ErrValidation, "invalid start date: %v", err)
		}
		end, err := time.Parse("2006-01-02", body.End)
		if err != nil {
			return req, models.Errorf(models.ErrValidation, "invalid end date: %v", err)
		}
		if end.Before(start) {
			return req, models.Errorf(models.ErrValidation, "end before start")
		}
		req.Range = models.DateRange{Start: start.UTC(), End: end.UTC()}
	}
	return req, nil
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
