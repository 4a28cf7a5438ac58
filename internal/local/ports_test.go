// SPDX-License-Identifier: Apache-2.0

package local

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kusari-oss/runbook/internal/engine"
)

func TestShellAgentRunsCommand(t *testing.T) {
	agent := &ShellAgent{WorkingDir: t.TempDir()}

	ack, err := agent.Send(context.Background(), engine.AgentRequest{
		Action: "touch-marker",
		Parameters: map[string]any{
			"command": "touch",
			"args":    []any{"marker"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "local", ack.AgentID)
	assert.False(t, ack.AcceptedAt.IsZero())

	_, err = os.Stat(filepath.Join(agent.WorkingDir, "marker"))
	assert.NoError(t, err)
}

func TestShellAgentMissingCommand(t *testing.T) {
	agent := &ShellAgent{}
	_, err := agent.Send(context.Background(), engine.AgentRequest{Action: "noop"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no command parameter")
}

func TestShellAgentCommandFailure(t *testing.T) {
	agent := &ShellAgent{}
	_, err := agent.Send(context.Background(), engine.AgentRequest{
		Action:     "bad",
		Parameters: map[string]any{"command": "false"},
	})
	assert.Error(t, err)
}

func TestHTTPCallerJSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("X-Token"))
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"accepted": true}`))
	}))
	defer srv.Close()

	caller := &HTTPCaller{}
	resp, err := caller.Do(context.Background(), engine.APIRequest{
		Method:  "POST",
		URL:     srv.URL,
		Headers: map[string]string{"X-Token": "abc"},
		Body:    map[string]any{"replicas": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, resp.Body["accepted"])
}

func TestHTTPCallerNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	caller := &HTTPCaller{}
	resp, err := caller.Do(context.Background(), engine.APIRequest{Method: "GET", URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "plain text", resp.Body["raw"])
}

func TestFileOperator(t *testing.T) {
	dir := t.TempDir()
	op := FileOperator{}
	ctx := context.Background()

	src := filepath.Join(dir, "a.txt")
	res, err := op.Apply(ctx, engine.FileRequest{Operation: "write", Path: src, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, src, res.Path)

	dst := filepath.Join(dir, "sub", "b.txt")
	_, err = op.Apply(ctx, engine.FileRequest{Operation: "copy", Path: src, Target: dst})
	require.NoError(t, err)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	moved := filepath.Join(dir, "c.txt")
	_, err = op.Apply(ctx, engine.FileRequest{Operation: "move", Path: dst, Target: moved})
	require.NoError(t, err)
	_, err = os.Stat(dst)
	assert.True(t, os.IsNotExist(err))

	_, err = op.Apply(ctx, engine.FileRequest{Operation: "delete", Path: moved})
	require.NoError(t, err)
	_, err = os.Stat(moved)
	assert.True(t, os.IsNotExist(err))

	_, err = op.Apply(ctx, engine.FileRequest{Operation: "truncate", Path: src})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file operation")
}

func TestConsoleNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := &ConsoleNotifier{Out: &buf}

	receipt, err := n.Send(context.Background(), engine.Notification{
		Channel:    "email",
		Recipients: []string{"oncall@example.com"},
		Subject:    "done",
		Message:    "restart finished",
	})
	require.NoError(t, err)
	assert.False(t, receipt.SentAt.IsZero())
	assert.Contains(t, buf.String(), "[email] done: restart finished")
	assert.Contains(t, buf.String(), "oncall@example.com")
}
