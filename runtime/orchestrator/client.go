// Package orchestrator reports job and step progress to the orchestration
// service.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BDNK1/steprunner/runtime"
)

// Client posts status updates for one job of one workflow execution.
type Client struct {
	client      *resty.Client
	executionID string
	job         string
	l           *slog.Logger
}

func NewClient(baseURL, executionID, job string, timeout time.Duration, l *slog.Logger) *Client {
	return &Client{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetRetryCount(0).
			SetLogger(restyLogger{l: l}),
		executionID: executionID,
		job:         job,
		l:           l,
	}
}

// New returns the reporter for cfg: a Client, or Noop in debug mode.
func New(cfg *runtime.Config, l *slog.Logger) runtime.StatusReporter {
	if cfg.Debug {
		return NewNoop(l)
	}
	return NewClient(cfg.OrchestratorURL, cfg.WorkflowExecutionID, cfg.JobName, cfg.OrchestratorTimeout, l)
}

func (c *Client) UpdateJobStatus(ctx context.Context, update runtime.JobStatusUpdate) error {
	return c.post(ctx, c.jobPath()+"/update-status", update)
}

// UpdateStepStatus posts the status as a bare JSON string.
func (c *Client) UpdateStepStatus(ctx context.Context, index int, status runtime.Status) error {
	body, err := json.Marshal(string(status))
	if err != nil {
		return fmt.Errorf("failed to marshal step status: %w", err)
	}
	return c.post(ctx, c.stepPath(index), body)
}

func (c *Client) jobPath() string {
	return fmt.Sprintf("/workflow-executions/%s/jobs/%s", url.PathEscape(c.executionID), url.PathEscape(c.job))
}

func (c *Client) stepPath(index int) string {
	return c.jobPath() + "/steps/" + strconv.Itoa(index) + "/update-status"
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		return runtime.NewNetworkError(fmt.Sprintf("POST %s failed", path), err)
	}
	if resp.IsError() {
		return runtime.NewNetworkError(fmt.Sprintf("POST %s returned %s", path, resp.Status()), nil)
	}
	c.l.DebugContext(ctx, fmt.Sprintf("Reported status to %s", path), "status_code", resp.StatusCode())
	return nil
}

// restyLogger sends resty's own diagnostics to the runner's logger.
type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...any) {
	r.l.Error(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "orchestrator")
}

func (r restyLogger) Warnf(format string, v ...any) {
	r.l.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "orchestrator")
}

func (r restyLogger) Debugf(format string, v ...any) {
	r.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "orchestrator")
}

// Noop discards every update. It is used for local runs.
type Noop struct {
	l *slog.Logger
}

func NewNoop(l *slog.Logger) *Noop {
	return &Noop{l: l}
}

func (n *Noop) UpdateJobStatus(ctx context.Context, update runtime.JobStatusUpdate) error {
	n.l.DebugContext(ctx, fmt.Sprintf("Job status %s", update.Status), "outcome", update.Outcome)
	return nil
}

func (n *Noop) UpdateStepStatus(ctx context.Context, index int, status runtime.Status) error {
	n.l.DebugContext(ctx, fmt.Sprintf("Step %d status %s", index, status))
	return nil
}
