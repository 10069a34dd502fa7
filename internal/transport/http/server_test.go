package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/simlink/internal/domain"
	"github.com/xiaot623/simlink/internal/metrics"
	"github.com/xiaot623/simlink/internal/testhelpers"
)

type fakeCoordinator struct {
	state     domain.RunState
	owner     domain.PauseOwner
	runID     string
	cancelled int
}

func (f *fakeCoordinator) State() domain.RunState   { return f.state }
func (f *fakeCoordinator) Owner() domain.PauseOwner { return f.owner }
func (f *fakeCoordinator) RunID() string            { return f.runID }

func (f *fakeCoordinator) Cancel() bool {
	if f.state != domain.RunStateRunning && f.state != domain.RunStateWaiting {
		return false
	}
	f.cancelled++
	return true
}

func (f *fakeCoordinator) Acknowledge() bool {
	if f.state != domain.RunStateError {
		return false
	}
	f.state = domain.RunStateIdling
	return true
}

type staticFields []domain.Field

func (f staticFields) Fields() []domain.Field { return f }

type brokenStore struct{}

func (brokenStore) Ping(context.Context) error { return errors.New("database is locked") }
func (brokenStore) ListRuns(context.Context, int) ([]domain.Run, error) {
	return nil, errors.New("database is locked")
}

func serve(t *testing.T, srv *Server, method, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	var body map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealth(t *testing.T) {
	fields := staticFields{{Index: 0, Name: "Field0"}, {Index: 1, Name: "Field1"}}
	coord := &fakeCoordinator{state: domain.RunStateWaiting, owner: domain.PauseOwnerAgent, runID: "run_1234abcd"}
	srv := NewServer(coord, fields, testhelpers.NewTestSQLiteStore(t), metrics.New())

	rec, body := serve(t, srv, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "waiting", body["state"])
	assert.Equal(t, "agent", body["paused_by"])
	assert.Equal(t, "run_1234abcd", body["run_id"])
	assert.Equal(t, float64(2), body["fields"])
	assert.Equal(t, "1.0", body["version"])
	assert.Equal(t, "ok", body["store"])
}

func TestHealthDegraded(t *testing.T) {
	srv := NewServer(&fakeCoordinator{state: domain.RunStateIdling}, nil, brokenStore{}, nil)

	rec, body := serve(t, srv, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "database is locked", body["store"])
	assert.NotContains(t, body, "paused_by")
}

func TestFields(t *testing.T) {
	fields := staticFields{{Index: 0, Name: "north", Params: map[string]string{"crop": "wheat"}}}
	srv := NewServer(&fakeCoordinator{state: domain.RunStateIdling}, fields, nil, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fields", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []domain.Field
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []domain.Field(fields), got)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	store := testhelpers.NewTestSQLiteStore(t)
	for _, id := range []string{"run_a", "run_b"} {
		require.NoError(t, store.CreateRun(ctx, &domain.Run{RunID: id, State: domain.RunStateRunning, StartedAt: time.Now()}))
	}
	require.NoError(t, store.UpdateRunCompleted(ctx, "run_a", domain.RunStateFinished, nil))
	srv := NewServer(&fakeCoordinator{state: domain.RunStateIdling}, nil, store, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Runs []domain.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Runs, 1)
	assert.Equal(t, "run_b", got.Runs[0].RunID)

	rec, _ = serve(t, srv, http.MethodGet, "/runs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	srv = NewServer(&fakeCoordinator{state: domain.RunStateIdling}, nil, nil, nil)
	rec, _ = serve(t, srv, http.MethodGet, "/runs")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunControl(t *testing.T) {
	coord := &fakeCoordinator{state: domain.RunStateIdling}
	srv := NewServer(coord, nil, nil, nil)

	rec, _ := serve(t, srv, http.MethodPost, "/run/cancel")
	assert.Equal(t, http.StatusConflict, rec.Code)

	coord.state = domain.RunStateRunning
	rec, _ = serve(t, srv, http.MethodPost, "/run/cancel")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, coord.cancelled)

	rec, _ = serve(t, srv, http.MethodPost, "/run/acknowledge")
	assert.Equal(t, http.StatusConflict, rec.Code)

	coord.state = domain.RunStateError
	rec, body := serve(t, srv, http.MethodPost, "/run/acknowledge")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idling", body["state"])
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.RunCompleted(domain.RunStateFinished)
	srv := NewServer(&fakeCoordinator{state: domain.RunStateFinished}, nil, nil, m)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `simlink_runs_total{state="finished"} 1`)

	// without metrics the route is not registered
	srv = NewServer(&fakeCoordinator{state: domain.RunStateIdling}, nil, nil, nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
