package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webforge/internal/events"
)

type fakeAPI struct {
	mux      *http.ServeMux
	requests []map[string]any
	auth     []string
}

func newFakeAPI(t *testing.T, stream []events.Event) (*httptest.Server, *fakeAPI) {
	t.Helper()
	f := &fakeAPI{mux: http.NewServeMux()}
	f.mux.HandleFunc("POST /api/v1/builds", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.requests = append(f.requests, body)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"project_id": "p1", "build_id": "b1", "status": "planning"})
	})
	f.mux.HandleFunc("POST /api/v1/dapps/frontend", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.requests = append(f.requests, body)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"project_id": "f1"})
	})
	f.mux.HandleFunc("DELETE /api/v1/projects/{project}/build", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "no active build for project", "code": "BUILD_NOT_FOUND"})
	})
	f.mux.HandleFunc("GET /api/v1/projects/{project}/events", func(w http.ResponseWriter, r *http.Request) {
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, ev := range stream {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"), time.Now().Add(time.Second))
	})
	srv := httptest.NewServer(f.mux)
	t.Cleanup(srv.Close)
	return srv, f
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBuildWaitFollowsStream(t *testing.T) {
	srv, fake := newFakeAPI(t, []events.Event{
		{Sequence: 1, Kind: events.KindStarted, Message: "build started"},
		{Sequence: 2, Kind: events.KindPlanning, Message: "planning"},
		{Sequence: 3, Kind: events.KindCompleted, Message: "build succeeded"},
	})

	out, err := run(t, "--api", srv.URL, "--token", "tok", "build", "-p", "p1", "a", "todo", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "Started build b1 for project p1")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "build succeeded")

	require.Len(t, fake.requests, 1)
	assert.Equal(t, "a todo app", fake.requests[0]["prompt"])
	assert.Equal(t, "p1", fake.requests[0]["project_id"])
	assert.Equal(t, []string{"Bearer tok", "Bearer tok"}, fake.auth)
}

func TestFollowReportsFailure(t *testing.T) {
	srv, _ := newFakeAPI(t, []events.Event{
		{Sequence: 1, Kind: events.KindStarted, Message: "build started"},
		{Sequence: 2, Kind: events.KindFailed, Message: "dev server never came up", Payload: map[string]any{"category": "RuntimeError"}},
	})

	out, err := run(t, "--api", srv.URL, "watch", "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dev server never came up")
	assert.Contains(t, out, "category: RuntimeError")
}

func TestCancelWithoutActiveBuild(t *testing.T) {
	srv, _ := newFakeAPI(t, nil)
	_, err := run(t, "--api", srv.URL, "cancel", "p1")
	require.Error(t, err)
	assert.Equal(t, "project p1 has no active build", err.Error())
}

func TestFrontendSendsABI(t *testing.T) {
	srv, fake := newFakeAPI(t, nil)
	dir := t.TempDir()
	abiPath := filepath.Join(dir, "abi.json")
	require.NoError(t, os.WriteFile(abiPath, []byte(`[{"type":"function","name":"mint"}]`), 0o644))

	out, err := run(t, "--api", srv.URL, "frontend", "--address", "0xabc", "--abi-file", abiPath, "-d", "-n", "sepolia", "a", "mint", "page")
	require.NoError(t, err)
	assert.Contains(t, out, "Started frontend project f1 for 0xabc")
	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "0xabc", req["contract_address"])
	assert.Equal(t, "sepolia", req["network"])
	assert.Len(t, req["abi"], 1)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{not json`), 0o644))
	_, err = run(t, "--api", srv.URL, "frontend", "--address", "0xabc", "--abi-file", bad, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestAPIErrorMessage(t *testing.T) {
	err := &apiError{Status: 409, Code: "BUILD_ALREADY_ACTIVE", Message: "build already active"}
	assert.Equal(t, "build already active (409 BUILD_ALREADY_ACTIVE)", err.Error())
	err = &apiError{Status: 502, Message: "bad gateway"}
	assert.Equal(t, "API error (502): bad gateway", err.Error())
}
