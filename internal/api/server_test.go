package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/autossl/internal/autossl/dcvstate"
	"github.com/edvin/autossl/internal/config"
)

type fakeStarter struct {
	started []temporalclient.StartWorkflowOptions
	err     error
}

func (f *fakeStarter) ExecuteWorkflow(ctx context.Context, options temporalclient.StartWorkflowOptions, workflow interface{}, args ...interface{}) (temporalclient.WorkflowRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.started = append(f.started, options)
	return nil, nil
}

func newTestServer(t *testing.T) (*Server, *fakeStarter, string) {
	t.Helper()
	starter := &fakeStarter{}
	stateDir := t.TempDir()
	srv := NewServer(zerolog.Nop(), starter, &config.Config{DCVStateDir: stateDir})
	return srv, starter, stateDir
}

func seedStore(t *testing.T, stateDir, tenant string, seed func(*dcvstate.Store)) {
	t.Helper()
	s, err := dcvstate.Open(stateDir+"/"+tenant+".sqlite", "acct-1", zerolog.Nop())
	require.NoError(t, err)
	seed(s)
	require.NoError(t, s.Close())
}

func TestStartCheck(t *testing.T) {
	srv, starter, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/autossl/alice/check", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, starter.started, 1)
	assert.Equal(t, "autossl", starter.started[0].TaskQueue)
	assert.Contains(t, starter.started[0].ID, "autossl-alice-")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, starter.started[0].ID, body["workflow_id"])
}

func TestStartCheck_InvalidTenant(t *testing.T) {
	srv, starter, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/autossl/Bad.Tenant/check", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, starter.started)
}

func TestGetState_Counts(t *testing.T) {
	srv, _, stateDir := newTestServer(t)
	seedStore(t, stateDir, "alice", func(s *dcvstate.Store) {
		require.NoError(t, s.SetSuccessExpiry("a.com", time.Now().Add(24*time.Hour)))
		require.NoError(t, s.SetHTTPError("b.com", "boom"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/autossl/alice/state", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body["domains"])
}

func TestGetState_SingleDomain(t *testing.T) {
	srv, _, stateDir := newTestServer(t)
	seedStore(t, stateDir, "alice", func(s *dcvstate.Store) {
		require.NoError(t, s.SetHTTPError("b.com", "challenge invalid"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/autossl/alice/state?domain=b.com", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Domain    string  `json:"domain"`
		HTTPError *string `json:"http_error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "b.com", body.Domain)
	require.NotNil(t, body.HTTPError)
	assert.Equal(t, "challenge invalid", *body.HTTPError)
}

func TestPurgeState(t *testing.T) {
	srv, _, stateDir := newTestServer(t)
	seedStore(t, stateDir, "alice", func(s *dcvstate.Store) {
		require.NoError(t, s.SetSuccessExpiry("a.com", time.Now().Add(24*time.Hour)))
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/autossl/alice/state", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	s, err := dcvstate.OpenUnbound(stateDir+"/alice.sqlite", zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	n, err := s.CountDomains()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
