package wire

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/execute", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "exec-http-1", req.ExecutionID)

		json.NewEncoder(w).Encode(ExecutionResult{
			Success:    true,
			Output:     "done",
			TokensUsed: 7,
		})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "test-token", testOptions())
	result, err := client.ExecuteHTTP(context.Background(), ExecuteRequest{
		ExecutionID: "exec-http-1",
		AgentID:     "agent-1",
		Prompt:      "hi",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "done", result.Output)
	assert.Equal(t, 7, result.TokensUsed)
}

func TestExecuteHTTPNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent busy", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "", testOptions())
	result, err := client.ExecuteHTTP(context.Background(), ExecuteRequest{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "agent busy", result.Error)
}

func TestExecuteHTTPNon2xxExtractsErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"agent busy"}`))
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "", testOptions())
	result, err := client.ExecuteHTTP(context.Background(), ExecuteRequest{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "agent busy", result.Error)
}

func TestExecuteHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect and
		// cancels the request context; otherwise srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	opts := testOptions()
	opts.HTTPTimeout = 100 * time.Millisecond
	client := NewClient(srv.URL, "", opts)

	result, err := client.ExecuteHTTP(context.Background(), ExecuteRequest{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Request timeout", result.Error)
}

func TestHTTPExecuteURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ws://host:8080", "http://host:8080/api/execute"},
		{"wss://host", "https://host/api/execute"},
		{"http://host/base/", "http://host/base/api/execute"},
	}
	for _, tt := range tests {
		u, err := httpExecuteURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, u.String())
	}
}
