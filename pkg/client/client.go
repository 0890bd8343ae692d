package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/appstead/appstead/internal/app"
)

// Client talks to an appstead daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the configuration matching the daemon defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8420/api",
		Timeout: 30 * time.Second,
	}
}

// New creates an API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks whether the daemon answers at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/apps", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "err", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < 500
}

// UploadRequest registers a new app. ArchivePath and GitURL are
// mutually exclusive.
type UploadRequest struct {
	Name        string
	DisplayName string
	Description string
	Kind        string
	Entrypoint  string
	Env         []string
	Restart     *app.RestartPolicy

	ArchivePath string
	GitURL      string
	GitBranch   string
}

// Upload registers an app from a local archive or a git repository.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*app.App, error) {
	if req.GitURL != "" {
		body := map[string]any{
			"name":         req.Name,
			"display_name": req.DisplayName,
			"description":  req.Description,
			"kind":         req.Kind,
			"entrypoint":   req.Entrypoint,
			"env":          req.Env,
			"git_url":      req.GitURL,
			"git_branch":   req.GitBranch,
		}
		if req.Restart != nil {
			body["restart"] = req.Restart
		}
		var a app.App
		if err := c.doJSON(ctx, http.MethodPost, "/apps", body, &a); err != nil {
			return nil, err
		}
		return &a, nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"name":         req.Name,
		"display_name": req.DisplayName,
		"description":  req.Description,
		"kind":         req.Kind,
		"entrypoint":   req.Entrypoint,
	}
	if req.Restart != nil {
		data, err := json.Marshal(req.Restart)
		if err != nil {
			return nil, err
		}
		fields["restart"] = string(data)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	for _, kv := range req.Env {
		if err := mw.WriteField("env", kv); err != nil {
			return nil, err
		}
	}
	if err := attachArchive(mw, req.ArchivePath); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var a app.App
	if err := c.do(ctx, http.MethodPost, "/apps", mw.FormDataContentType(), &buf, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateRequest carries the replacement source and transaction flags
// for Update. The zero flags keep the server defaults: snapshot the
// previous tree and rebuild the environment.
type UpdateRequest struct {
	ArchivePath string
	GitURL      string
	GitBranch   string

	SkipBackup    bool
	SkipReinstall bool
}

// Update replaces an app's source from an archive or git.
func (c *Client) Update(ctx context.Context, name string, req UpdateRequest) (*app.App, error) {
	var a app.App
	path := "/apps/" + url.PathEscape(name) + "/update"
	if req.ArchivePath == "" {
		body := map[string]any{"git_url": req.GitURL, "git_branch": req.GitBranch}
		if req.SkipBackup {
			body["create_backup"] = false
		}
		if req.SkipReinstall {
			body["reinstall_deps"] = false
		}
		if err := c.doJSON(ctx, http.MethodPost, path, body, &a); err != nil {
			return nil, err
		}
		return &a, nil
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := attachArchive(mw, req.ArchivePath); err != nil {
		return nil, err
	}
	if req.SkipBackup {
		_ = mw.WriteField("create_backup", "false")
	}
	if req.SkipReinstall {
		_ = mw.WriteField("reinstall_deps", "false")
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	if err := c.do(ctx, http.MethodPost, path, mw.FormDataContentType(), &buf, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func attachArchive(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()
	fw, err := mw.CreateFormFile("archive", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(fw, f)
	return err
}

// Install provisions the app's environment.
func (c *Client) Install(ctx context.Context, name string) (*app.App, error) {
	return c.verb(ctx, name, "install")
}

// Enable makes the app eligible to run.
func (c *Client) Enable(ctx context.Context, name string) (*app.App, error) {
	return c.verb(ctx, name, "enable")
}

// Disable parks the app.
func (c *Client) Disable(ctx context.Context, name string) (*app.App, error) {
	return c.verb(ctx, name, "disable")
}

// Start launches a perpetual app.
func (c *Client) Start(ctx context.Context, name string) (*app.App, error) {
	return c.verb(ctx, name, "start")
}

// Stop stops a running app.
func (c *Client) Stop(ctx context.Context, name string) (*app.App, error) {
	return c.verb(ctx, name, "stop")
}

// Restart stops and starts a perpetual app.
func (c *Client) Restart(ctx context.Context, name string) (*app.App, error) {
	return c.verb(ctx, name, "restart")
}

func (c *Client) verb(ctx context.Context, name, verb string) (*app.App, error) {
	var a app.App
	err := c.doJSON(ctx, http.MethodPost, "/apps/"+url.PathEscape(name)+"/"+verb, nil, &a)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Run triggers one manual execution of a scheduled app and waits for it.
func (c *Client) Run(ctx context.Context, name string) (*app.Execution, error) {
	var e app.Execution
	err := c.doJSON(ctx, http.MethodPost, "/apps/"+url.PathEscape(name)+"/run", nil, &e)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Delete removes an app; execution history stays queryable. With hard
// set the server removes the source, environment and backup files too.
func (c *Client) Delete(ctx context.Context, name string, hard bool) error {
	path := "/apps/" + url.PathEscape(name)
	if hard {
		path += "?hard=true"
	}
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Get fetches one app.
func (c *Client) Get(ctx context.Context, name string) (*app.App, error) {
	var a app.App
	err := c.doJSON(ctx, http.MethodGet, "/apps/"+url.PathEscape(name), nil, &a)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List fetches all apps.
func (c *Client) List(ctx context.Context, includeDeleted bool) ([]app.App, error) {
	path := "/apps"
	if includeDeleted {
		path += "?deleted=true"
	}
	var apps []app.App
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

// Executions fetches the execution history of one app, newest first.
func (c *Client) Executions(ctx context.Context, name, status string, limit int) ([]app.Execution, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/apps/" + url.PathEscape(name) + "/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var execs []app.Execution
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

// AddSchedule registers a trigger for a scheduled app.
func (c *Client) AddSchedule(ctx context.Context, name string, s app.Schedule) (*app.Schedule, error) {
	var out app.Schedule
	err := c.doJSON(ctx, http.MethodPost, "/apps/"+url.PathEscape(name)+"/schedules", s, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Schedules lists the schedules of one app.
func (c *Client) Schedules(ctx context.Context, name string) ([]app.Schedule, error) {
	var scheds []app.Schedule
	err := c.doJSON(ctx, http.MethodGet, "/apps/"+url.PathEscape(name)+"/schedules", nil, &scheds)
	if err != nil {
		return nil, err
	}
	return scheds, nil
}

// RemoveSchedule cancels and deletes one schedule.
func (c *Client) RemoveSchedule(ctx context.Context, name, id string) error {
	return c.doJSON(ctx, http.MethodDelete,
		"/apps/"+url.PathEscape(name)+"/schedules/"+url.PathEscape(id), nil, nil)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, reader, out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "err", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var er errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("api error: %s", er.Error)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
