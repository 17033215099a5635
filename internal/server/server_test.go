package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/opswatch/internal/server/handlers"
	"github.com/3leaps/opswatch/internal/server/middleware"
	"github.com/3leaps/opswatch/pkg/engine"
	"github.com/3leaps/opswatch/pkg/history"
	"github.com/3leaps/opswatch/pkg/jobspec"
)

type staticStatus struct{}

func (staticStatus) Status(context.Context, engine.StatusOptions) (*engine.StatusReport, error) {
	return &engine.StatusReport{
		ConfigPath: "/etc/ops-jobs.json",
		Jobs: []engine.JobView{
			{Job: &jobspec.Job{ID: "check", Kind: jobspec.KindOneShotRead, Risk: jobspec.RiskReadOnly}},
		},
	}, nil
}

type emptyHistory struct{}

func (emptyHistory) List(context.Context, history.Filter) ([]history.Event, error) {
	return nil, nil
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New("127.0.0.1", 0)

	rec := serve(t, srv.Handler(), http.MethodGet, "/does-not-exist")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, middleware.CodeNotFound, body.Error.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	rec = serve(t, srv.Handler(), http.MethodPost, "/version")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, middleware.CodeMethodNotAllowed, body.Error.Code)
}

func TestServer_Port(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"default port", 8080},
		{"custom port", 9000},
		{"zero port", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New("127.0.0.1", tt.port)
			assert.Equal(t, tt.port, srv.Port())
		})
	}
	assert.Equal(t, "127.0.0.1:9000", New("127.0.0.1", 9000).Addr())
}

func TestServer_Version(t *testing.T) {
	srv := New("127.0.0.1", 0, WithVersion(handlers.VersionInfo{Version: "1.2.3", Commit: "abc"}))

	rec := serve(t, srv.Handler(), http.MethodGet, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var info handlers.VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestServer_Health(t *testing.T) {
	handlers.InitHealthManager("test")
	srv := New("127.0.0.1", 0)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup"} {
		assert.Equal(t, http.StatusOK, serve(t, srv.Handler(), http.MethodGet, path).Code, path)
	}
}

func TestServer_JobRoutes(t *testing.T) {
	t.Run("absent without a status source", func(t *testing.T) {
		srv := New("127.0.0.1", 0)
		assert.Equal(t, http.StatusNotFound, serve(t, srv.Handler(), http.MethodGet, "/jobs").Code)
	})

	t.Run("registered with sources", func(t *testing.T) {
		loop := NewLoop(&countingTicker{}, 0, engine.TickOptions{}, nil)
		srv := New("127.0.0.1", 0,
			WithStatusSource(staticStatus{}),
			WithHistory(emptyHistory{}),
			WithTickTrigger(loop))
		h := srv.Handler()

		assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/jobs").Code)
		assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/jobs/check").Code)
		assert.Equal(t, http.StatusNotFound, serve(t, h, http.MethodGet, "/jobs/ghost").Code)
		assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/history").Code)
		assert.Equal(t, http.StatusNoContent, serve(t, h, http.MethodGet, "/tick").Code)
		assert.Equal(t, http.StatusOK, serve(t, h, http.MethodPost, "/tick").Code)
		assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/tick").Code)
	})

	t.Run("history and tick are optional", func(t *testing.T) {
		srv := New("127.0.0.1", 0, WithStatusSource(staticStatus{}))
		assert.Equal(t, http.StatusNotFound, serve(t, srv.Handler(), http.MethodGet, "/history").Code)
		assert.Equal(t, http.StatusNotFound, serve(t, srv.Handler(), http.MethodPost, "/tick").Code)
	})
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	srv := New("127.0.0.1", 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, srv.ListenAndServe(ctx, time.Second))
}
