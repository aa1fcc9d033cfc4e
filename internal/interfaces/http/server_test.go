package http

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/models"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/scheduler"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeSymbols struct {
	summaries []models.SymbolSummary
	err       error
}

func (f *fakeSymbols) ListActive(ctx context.Context) ([]models.TrackedSymbol, error) {
	return nil, nil
}

func (f *fakeSymbols) UpsertSymbol(ctx context.Context, sym models.TrackedSymbol) error {
	return nil
}

func (f *fakeSymbols) UpdateSymbolStatus(ctx context.Context, symbol string, status models.BackfillStatus, errMsg *string) error {
	return nil
}

func (f *fakeSymbols) GetSymbolsDetailed(ctx context.Context) ([]models.SymbolSummary, error) {
	return f.summaries, f.err
}

type fakeJobs struct {
	jobs map[string]models.BackfillJob
}

func (f *fakeJobs) CreateJob(ctx context.Context, job models.BackfillJob) error { return nil }

func (f *fakeJobs) UpdateJobProgress(ctx context.Context, jobID string, progressPct float64, symbolsCompleted int, currentSymbol string, recordsInserted int64) error {
	return nil
}

func (f *fakeJobs) FinishJob(ctx context.Context, jobID string, status models.JobStatus, errMsg string, completeness []models.CompletenessEntry) error {
	return nil
}

func (f *fakeJobs) AppendJobDetail(ctx context.Context, detail models.JobProgressEntry) error {
	return nil
}

func (f *fakeJobs) GetJob(ctx context.Context, jobID string) (models.BackfillJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return models.BackfillJob{}, sql.ErrNoRows
	}
	return job, nil
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, req models.BackfillRequest) (models.BackfillJob, error) {
	return models.BackfillJob{}, nil
}

type serverFixture struct {
	server *Server
	db     *fakePinger
	jobs   *fakeJobs
	sched  *scheduler.Scheduler
}

func newTestServer(t *testing.T) *serverFixture {
	t.Helper()

	db := &fakePinger{}
	jobs := &fakeJobs{jobs: map[string]models.BackfillJob{}}
	sched := scheduler.New(config.SchedulerConfig{Hour: 2, MisfireGrace: 10 * time.Minute}, noopRunner{}, nil)
	repo := persistence.Repository{
		Symbols: &fakeSymbols{},
		Jobs:    jobs,
	}
	srv := NewServer(config.HTTPConfig{Addr: ":0"}, repo, db, sched, nil)
	return &serverFixture{server: srv, db: db, jobs: jobs, sched: sched}
}

func (f *serverFixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth_OK(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Database)
	require.NotNil(t, resp.Scheduler)
	assert.False(t, resp.Scheduler.JobInFlight)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealth_DegradedWhenDatabaseDown(t *testing.T) {
	f := newTestServer(t)
	f.db.err = errors.New("connection refused")

	rec := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Database, "connection refused")
}

func TestSymbols_ReturnsEmptyListNotNull(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodGet, "/symbols", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestGetJob_FoundAndNotFound(t *testing.T) {
	f := newTestServer(t)
	f.jobs.jobs["job-7"] = models.BackfillJob{ID: "job-7", Status: models.JobCompleted}

	rec := f.do(http.MethodGet, "/jobs/job-7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.BackfillJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "job-7", job.ID)

	rec = f.do(http.MethodGet, "/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitJob_Accepted(t *testing.T) {
	f := newTestServer(t)

	rec := f.do(http.MethodPost, "/jobs", submitJobRequest{
		Symbols:    []string{"AAPL", "MSFT"},
		Timeframes: []string{"1d"},
		Start:      "2024-01-01",
		End:        "2024-01-31",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
}

func TestSubmitJob_RejectsInvalidBody(t *testing.T) {
	f := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJob_ValidationFailures(t *testing.T) {
	many := make([]string, maxJobSymbols+1)
	for i := range many {
		many[i] = "SYM"
	}

	cases := []struct {
		name string
		body submitJobRequest
	}{
		{"unknown timeframe", submitJobRequest{Timeframes: []string{"7m"}}},
		{"too many symbols", submitJobRequest{Symbols: many}},
		{"start without end", submitJobRequest{Start: "2024-01-01"}},
		{"malformed date", submitJobRequest{Start: "01/01/2024", End: "2024-01-31"}},
		{"inverted range", submitJobRequest{Start: "2024-02-01", End: "2024-01-01"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTestServer(t)
			rec := f.do(http.MethodPost, "/jobs", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitJob_QueueFull(t *testing.T) {
	f := newTestServer(t)

	var rec *httptest.ResponseRecorder
	for i := 0; i < 20; i++ {
		rec = f.do(http.MethodPost, "/jobs", submitJobRequest{Symbols: []string{"AAPL"}})
		if rec.Code != http.StatusAccepted {
			break
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSubmitJob_WithoutScheduler(t *testing.T) {
	repo := persistence.Repository{Symbols: &fakeSymbols{}, Jobs: &fakeJobs{}}
	srv := NewServer(config.HTTPConfig{Addr: ":0"}, repo, &fakePinger{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
