// SPDX-License-Identifier: Apache-2.0

// Package local provides in-process implementations of the engine ports,
// used by the CLI to run playbooks on the local machine without any
// remote agent infrastructure.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kusari-oss/runbook/internal/engine"
)

// ShellAgent satisfies the agent dispatch port by running actions as local
// shell commands. The action's "command" parameter is executed with
// "args"; anything else fails so misdirected playbooks do not silently
// no-op.
type ShellAgent struct {
	WorkingDir string
	Logger     *slog.Logger
}

func (a *ShellAgent) Send(ctx context.Context, req engine.AgentRequest) (engine.AgentAck, error) {
	command, _ := req.Parameters["command"].(string)
	if command == "" {
		return engine.AgentAck{}, fmt.Errorf("action %q has no command parameter for local execution", req.Action)
	}

	var args []string
	if raw, ok := req.Parameters["args"].([]any); ok {
		for _, a := range raw {
			args = append(args, fmt.Sprintf("%v", a))
		}
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = a.WorkingDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("running local action",
		"action", req.Action,
		"command", command,
		"step_id", req.StepID,
	)

	if err := cmd.Run(); err != nil {
		return engine.AgentAck{}, fmt.Errorf("command %q failed: %w: %s", command, err, strings.TrimSpace(out.String()))
	}
	return engine.AgentAck{AgentID: "local", AcceptedAt: time.Now()}, nil
}

// HTTPCaller satisfies the API call port with a plain HTTP client.
type HTTPCaller struct {
	Client *http.Client
}

func (c *HTTPCaller) Do(ctx context.Context, req engine.APIRequest) (engine.APIResponse, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return engine.APIResponse{}, fmt.Errorf("error serializing request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return engine.APIResponse{}, fmt.Errorf("error building request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return engine.APIResponse{}, err
	}
	defer resp.Body.Close()

	out := engine.APIResponse{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, fmt.Errorf("error reading response body: %w", err)
	}
	if len(data) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err == nil {
			out.Body = decoded
		} else {
			out.Body = map[string]any{"raw": string(data)}
		}
	}
	return out, nil
}

// FileOperator satisfies the file operation port against the local
// filesystem.
type FileOperator struct{}

func (FileOperator) Apply(ctx context.Context, req engine.FileRequest) (engine.FileResult, error) {
	switch req.Operation {
	case "write":
		if err := os.MkdirAll(filepath.Dir(req.Path), 0755); err != nil {
			return engine.FileResult{}, fmt.Errorf("error creating directory: %w", err)
		}
		if err := os.WriteFile(req.Path, []byte(req.Content), 0644); err != nil {
			return engine.FileResult{}, fmt.Errorf("error writing file: %w", err)
		}
		return engine.FileResult{Path: req.Path}, nil
	case "copy":
		data, err := os.ReadFile(req.Path)
		if err != nil {
			return engine.FileResult{}, fmt.Errorf("error reading source: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(req.Target), 0755); err != nil {
			return engine.FileResult{}, fmt.Errorf("error creating target directory: %w", err)
		}
		if err := os.WriteFile(req.Target, data, 0644); err != nil {
			return engine.FileResult{}, fmt.Errorf("error writing target: %w", err)
		}
		return engine.FileResult{Path: req.Target}, nil
	case "move":
		if err := os.Rename(req.Path, req.Target); err != nil {
			return engine.FileResult{}, fmt.Errorf("error moving file: %w", err)
		}
		return engine.FileResult{Path: req.Target}, nil
	case "delete":
		if err := os.Remove(req.Path); err != nil {
			return engine.FileResult{}, fmt.Errorf("error deleting file: %w", err)
		}
		return engine.FileResult{Path: req.Path}, nil
	default:
		return engine.FileResult{}, fmt.Errorf("unsupported file operation: %q", req.Operation)
	}
}

// ConsoleNotifier satisfies the notification port by writing to a stream,
// stdout by default.
type ConsoleNotifier struct {
	Out io.Writer
}

func (n *ConsoleNotifier) Send(ctx context.Context, note engine.Notification) (engine.NotificationReceipt, error) {
	out := n.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "[%s] %s: %s\n", note.Channel, note.Subject, note.Message)
	if len(note.Recipients) > 0 {
		fmt.Fprintf(out, "  recipients: %s\n", strings.Join(note.Recipients, ", "))
	}
	return engine.NotificationReceipt{SentAt: time.Now()}, nil
}

// Ports bundles the local implementations. The query port stays nil;
// local runs have no datasource registry.
func Ports(workingDir string, logger *slog.Logger) engine.Ports {
	return engine.Ports{
		Agent:    &ShellAgent{WorkingDir: workingDir, Logger: logger},
		API:      &HTTPCaller{Client: &http.Client{Timeout: 30 * time.Second}},
		Files:    FileOperator{},
		Notifier: &ConsoleNotifier{},
	}
}
