package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/model"
)

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/gpus", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer cli-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[
			{"server_uuid":"srv-old","first_seen":"2025-01-01T00:00:00Z","last_seen":"2025-01-01T00:00:00Z","event":"task_failed","message_count":1,"messages":[]},
			{"server_uuid":"srv-new","first_seen":"2025-03-01T00:00:00Z","last_seen":"2025-03-01T00:00:00Z","event":"task_started","message_count":2,"messages":[]}
		],"statistics":{"total_servers":2}}`))
	})
	mux.HandleFunc("/gpus/srv-new", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("message_limit"))
		w.Write([]byte(`{"data":{"server_uuid":"srv-new","first_seen":"2025-03-01T00:00:00Z","last_seen":"2025-03-01T00:00:00Z","event":"task_started","message_count":2,"messages":[]}}`))
	})
	mux.HandleFunc("/gpus/srv-gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/gpus/provision", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"message":"Provisioning queued"}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestServersCommand(t *testing.T) {
	backend := newBackend(t)

	out, err := run(t, "servers", "--base-url", backend.URL, "--token", "cli-token")
	require.NoError(t, err)

	var result struct {
		Data []struct {
			ServerID string `json:"server_uuid"`
			Tone     string `json:"tone"`
		} `json:"data"`
		Statistics model.FleetStatistics  `json:"statistics"`
		Reported   *model.FleetStatistics `json:"reported_statistics"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Len(t, result.Data, 2)
	assert.Equal(t, "srv-new", result.Data[0].ServerID)
	assert.Equal(t, "info", result.Data[0].Tone)
	assert.Equal(t, "danger", result.Data[1].Tone)
	assert.Equal(t, 2, result.Statistics.TotalServers)
	assert.Equal(t, 2, result.Statistics.IdleServers)
	require.NotNil(t, result.Reported)
	assert.Equal(t, 2, result.Reported.TotalServers)
}

func TestMessageLimitDefaults(t *testing.T) {
	var limits []string
	mux := http.NewServeMux()
	mux.HandleFunc("/gpus", func(w http.ResponseWriter, r *http.Request) {
		limits = append(limits, r.URL.Query().Get("message_limit"))
		w.Write([]byte(`{"data":[]}`))
	})
	mux.HandleFunc("/gpus/srv-a", func(w http.ResponseWriter, r *http.Request) {
		limits = append(limits, r.URL.Query().Get("message_limit"))
		w.Write([]byte(`{"data":{"server_uuid":"srv-a","messages":[]}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := run(t, "servers", "--base-url", server.URL)
	require.NoError(t, err)
	_, err = run(t, "server", "srv-a", "--base-url", server.URL)
	require.NoError(t, err)
	_, err = run(t, "servers", "--base-url", server.URL, "--messages", "5")
	require.NoError(t, err)

	assert.Equal(t, []string{"20", "100", "5"}, limits)
}

func TestServerCommand(t *testing.T) {
	backend := newBackend(t)

	out, err := run(t, "server", "srv-new", "--base-url", backend.URL, "--token", "cli-token", "--raw")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, `{"server_uuid":"srv-new"`))

	_, err = run(t, "server", "srv-gone", "--base-url", backend.URL)
	require.Error(t, err)
	assert.Equal(t, "GPU server not found", err.Error())
}

func TestProvisionCommand(t *testing.T) {
	backend := newBackend(t)

	out, err := run(t, "provision", "--base-url", backend.URL, "--raw")
	require.NoError(t, err)
	assert.Contains(t, out, `"message":"Provisioning queued"`)
}

func TestMissingBaseURL(t *testing.T) {
	t.Setenv("FLEETWATCH_BACKEND_URL", "")
	_, err := run(t, "servers")
	assert.EqualError(t, err, "--base-url is required")
}

func TestFormatEvent(t *testing.T) {
	line := formatEvent(model.StatusEvent{
		ServerID:             "srv-1",
		Kind:                 "task_completed",
		TaskID:               "t-9",
		Timestamp:            time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		TimestampSubstituted: true,
	})
	assert.Contains(t, line, "success")
	assert.Contains(t, line, "srv-1")
	assert.Contains(t, line, "task=t-9")
	assert.Contains(t, line, "(receipt time)")
}
