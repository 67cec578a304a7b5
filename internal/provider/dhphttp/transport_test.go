package dhphttp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/breathsync/breathsync/internal/dhp"
	"github.com/breathsync/breathsync/internal/provider"
)

func TestExecute_WrapsPayloadAndSendsToken(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"responseCode":"Success"}`))
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL, Token: func() string { return "tok" }}, zap.NewNop())

	res, err := tr.Execute(context.Background(), &dhp.Request{
		API:        dhp.APIDataSynchronization,
		ObjectName: dhp.ObjectDataSynch,
		Payload:    dhp.UploadPayload{InvokingRole: dhp.RolePatient, Objects: []dhp.Object{}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "/dhp/api/v2/patients/dataSynchronization", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	require.Contains(t, gotBody, dhp.ObjectDataSynch)

	status, _ := dhp.ParseStatus(res)
	assert.Equal(t, dhp.StatusSuccess, status)
}

func TestExecute_ReturnsNonOKStatusWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL}, zap.NewNop())
	res, err := tr.Execute(context.Background(), &dhp.Request{API: dhp.APIRetrieval, Payload: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, provider.HealthStateDegraded, tr.CheckHealth(context.Background()))
}

func TestExecute_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"responseCode":"Success"}`))
	}))
	defer srv.Close()

	tr := New(Options{BaseURL: srv.URL, RetryCount: 2, Timeout: 5 * time.Second}, zap.NewNop())
	res, err := tr.Execute(context.Background(), &dhp.Request{API: dhp.APIGetServerTime, Payload: map[string]string{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExecute_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	tr := New(Options{BaseURL: url, Timeout: time.Second}, zap.NewNop())
	_, err := tr.Execute(context.Background(), &dhp.Request{API: dhp.APIGetServerTime, Payload: map[string]string{}})
	require.Error(t, err)
	assert.Equal(t, provider.HealthStateUnavailable, tr.CheckHealth(context.Background()))
}

func TestRegistry(t *testing.T) {
	reg := provider.NewRegistry()
	_, err := reg.Resolve()
	assert.ErrorIs(t, err, provider.ErrNoTransport)

	tr := New(Options{ID: "primary", BaseURL: "http://localhost"}, zap.NewNop())
	require.NoError(t, reg.Register(tr))
	require.Error(t, reg.Register(tr))

	got, err := reg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, "primary", got.ID())
}
