package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withTestServer(t *testing.T, handler http.Handler) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	prev := serverURL
	serverURL = srv.URL
	t.Cleanup(func() { serverURL = prev })
}

func TestRunHealth(t *testing.T) {
	withTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"status":"ok"}`))
	}))

	assert.NoError(t, runHealth(healthCmd, nil))
}

func TestRunHealth_Unreachable(t *testing.T) {
	prev := serverURL
	serverURL = "http://127.0.0.1:1"
	t.Cleanup(func() { serverURL = prev })

	assert.Error(t, runHealth(healthCmd, nil))
}

func TestRunStatus(t *testing.T) {
	withTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/status", r.URL.Path)
		w.Write([]byte(`{"trigger_state":"COLLECTING","escalated":false}`))
	}))

	assert.NoError(t, runStatus(statusCmd, nil))
}

func TestRunTrigger(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "queued", status: http.StatusAccepted},
		{name: "already queued", status: http.StatusConflict, wantErr: true},
		{name: "escalated", status: http.StatusLocked, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				w.WriteHeader(tt.status)
			}))

			err := runTrigger(triggerCmd, nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunRecord_FromFile(t *testing.T) {
	withTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/records", r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"record_id":"rec-1"}`))
	}))

	path := filepath.Join(t.TempDir(), "interaction.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"session_id":"s","input":"i","output":"o"}`), 0o600))

	assert.NoError(t, runRecord(recordCmd, []string{path}))
}

func TestRunRecord_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	assert.Error(t, runRecord(recordCmd, []string{path}))
}
