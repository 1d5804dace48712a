package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAgentExecutorPostsInputAndDecodesOutput(t *testing.T) {
	var gotPath string
	var gotInput map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotInput))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"email":"a@b.com"}}`))
	}))
	defer srv.Close()

	e := NewHTTPAgentExecutor(srv.URL, time.Second)
	output, err := e.Execute(context.Background(), "crm-fetch", map[string]any{"record": "r-1"})
	require.NoError(t, err)

	assert.Equal(t, "/agents/crm-fetch/execute", gotPath)
	assert.Equal(t, "r-1", gotInput["record"])

	email, ok := LookupPath(output, "result.email")
	require.True(t, ok)
	assert.Equal(t, "a@b.com", email)
}

func TestHTTPAgentExecutorNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "agent exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewHTTPAgentExecutor(srv.URL, time.Second)
	_, err := e.Execute(context.Background(), "crm-fetch", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "agent exploded")
}

func TestHTTPAgentExecutorEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := NewHTTPAgentExecutor(srv.URL, time.Second)
	output, err := e.Execute(context.Background(), "noop", nil)
	require.NoError(t, err)
	assert.Nil(t, output)
}

func TestHTTPAgentExecutorHonorsContextDeadline(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	e := NewHTTPAgentExecutor(srv.URL, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Execute(ctx, "slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
