package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reportd/internal/report"
	"reportd/internal/task/engine"
)

// Client talks to a running daemon's management API. Schedules are only
// ever changed through the daemon so it stays the single registry writer.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status int
	Kind   string
	Field  string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Field, e.Msg)
	}
	if e.Kind != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Msg)
}

func (c *Client) ScheduleReport(ctx context.Context, req ScheduleRequest) (ScheduleResult, error) {
	var out ScheduleResult
	err := c.do(ctx, http.MethodPost, "/api/v1/schedules", req, &out)
	return out, err
}

func (c *Client) ListSchedules(ctx context.Context) ([]report.Job, error) {
	var out []report.Job
	err := c.do(ctx, http.MethodGet, "/api/v1/schedules", nil, &out)
	return out, err
}

func (c *Client) CancelSchedule(ctx context.Context, id string) (bool, error) {
	var out struct {
		Removed bool `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/v1/schedules/"+url.PathEscape(id), nil, &out)
	return out.Removed, err
}

func (c *Client) Firings(ctx context.Context) ([]engine.HistoryItem, error) {
	var out []engine.HistoryItem
	err := c.do(ctx, http.MethodGet, "/api/v1/firings", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode/100 != 2 {
		var eb errorBody
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Kind: eb.Kind, Field: eb.Field, Msg: eb.Error}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
