package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// HTTPInvoker performs webhook calls and task-system requests with a bounded timeout
type HTTPInvoker struct {
	client       *fasthttp.Client
	timeout      time.Duration
	taskURL      string
	taskAPIToken string
}

func NewHTTPInvoker(timeout time.Duration, taskURL, taskAPIToken string) *HTTPInvoker {
	return &HTTPInvoker{
		client: &fasthttp.Client{
			Name:                "sequencer-webhook/1.0",
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 30 * time.Second,
		},
		timeout:      timeout,
		taskURL:      strings.TrimRight(taskURL, "/"),
		taskAPIToken: taskAPIToken,
	}
}

// effectiveTimeout is the smaller of the configured timeout and the context deadline
func (h *HTTPInvoker) effectiveTimeout(ctx context.Context) (time.Duration, error) {
	timeout := h.timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ctx.Err()
		}
		if timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return timeout, nil
}

// Invoke sends the request and returns the response status. Any status >= 400 is an error.
func (h *HTTPInvoker) Invoke(ctx context.Context, url, method string, headers map[string]string, body string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	timeout, err := h.effectiveTimeout(ctx)
	if err != nil {
		return 0, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	if method == "" {
		method = fasthttp.MethodPost
	}
	req.SetRequestURI(url)
	req.Header.SetMethod(strings.ToUpper(method))
	hasContentType := false
	for k, v := range headers {
		req.Header.Set(k, v)
		if strings.EqualFold(k, "Content-Type") {
			hasContentType = true
		}
	}
	if body != "" {
		if !hasContentType && json.Valid([]byte(body)) {
			req.Header.SetContentType("application/json")
		}
		req.SetBodyString(body)
	}

	if err := h.client.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return 0, fmt.Errorf("request to %s timed out after %s: %w", url, timeout, context.DeadlineExceeded)
		}
		return 0, fmt.Errorf("request to %s failed: %w", url, err)
	}

	status := resp.StatusCode()
	if status >= 400 {
		return status, fmt.Errorf("request to %s returned status %d", url, status)
	}
	return status, nil
}

type taskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Assignee    string `json:"assignee,omitempty"`
}

type taskResponse struct {
	ID string `json:"id"`
}

// CreateTask posts to {TASK_API_URL}/tasks and returns the created task id
func (h *HTTPInvoker) CreateTask(ctx context.Context, title, description, assignee string) (string, error) {
	if h.taskURL == "" {
		return "", errors.New("task system is not configured")
	}
	timeout, err := h.effectiveTimeout(ctx)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(taskRequest{Title: title, Description: description, Assignee: assignee})
	if err != nil {
		return "", err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.taskURL + "/tasks")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if h.taskAPIToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.taskAPIToken)
	}
	req.SetBody(payload)

	if err := h.client.DoTimeout(req, resp, timeout); err != nil {
		return "", fmt.Errorf("task system request failed: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return "", fmt.Errorf("task system returned status %d", resp.StatusCode())
	}

	var created taskResponse
	if err := json.Unmarshal(resp.Body(), &created); err != nil {
		return "", fmt.Errorf("invalid task system response: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("task system returned no id")
	}
	return created.ID, nil
}
