// Package client provides a Go client for the proxfleetd HTTP API over its
// unix socket. Used by the CLI; replaces per-command socket boilerplate.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/proxfleet/proxfleet/internal/certs"
	"github.com/proxfleet/proxfleet/internal/eventlog"
	"github.com/proxfleet/proxfleet/internal/fleet"
	"github.com/proxfleet/proxfleet/internal/instance"
)

// Client talks to proxfleetd over a unix socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client connected to the proxfleetd unix socket at socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					d.Timeout = 5 * time.Second
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 2 * time.Minute, // start can block on readiness
		},
		baseURL: "http://proxfleet",
	}
}

// DefaultSocketPath returns the default proxfleetd socket path
// (~/.proxfleet/proxfleetd.sock).
func DefaultSocketPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".proxfleet", "proxfleetd.sock")
}

// Status is the daemon status summary.
type Status struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Instances map[string]int `json:"instances"`
}

// GetStatus returns the daemon status.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.doJSON(ctx, "GET", "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateInstance registers a new instance.
func (c *Client) CreateInstance(ctx context.Context, spec fleet.CreateSpec) (*instance.Record, error) {
	var out instance.Record
	if err := c.doJSON(ctx, "POST", "/v1/instances", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstances returns all instances.
func (c *Client) ListInstances(ctx context.Context) ([]instance.Record, error) {
	var out []instance.Record
	if err := c.doJSON(ctx, "GET", "/v1/instances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInstance returns one instance by name.
func (c *Client) GetInstance(ctx context.Context, name string) (*instance.Record, error) {
	var out instance.Record
	if err := c.doJSON(ctx, "GET", "/v1/instances/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateInstance mutates an instance's configuration.
func (c *Client) UpdateInstance(ctx context.Context, name string, spec fleet.UpdateSpec) (*instance.Record, error) {
	var out instance.Record
	if err := c.doJSON(ctx, "PATCH", "/v1/instances/"+url.PathEscape(name), spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteInstance removes an instance and its artifacts.
func (c *Client) DeleteInstance(ctx context.Context, name string) error {
	return c.doJSON(ctx, "DELETE", "/v1/instances/"+url.PathEscape(name), nil, nil)
}

// StartInstance starts an instance's daemon.
func (c *Client) StartInstance(ctx context.Context, name string) (*instance.Record, error) {
	var out instance.Record
	if err := c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(name)+"/start", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopInstance stops an instance's daemon.
func (c *Client) StopInstance(ctx context.Context, name string) (*instance.Record, error) {
	var out instance.Record
	if err := c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(name)+"/stop", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AddUser adds a basic-auth credential to a forward proxy instance.
func (c *Client) AddUser(ctx context.Context, name, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	return c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(name)+"/users", body, nil)
}

// RemoveUser deletes a credential.
func (c *Client) RemoveUser(ctx context.Context, name, username string) error {
	path := "/v1/instances/" + url.PathEscape(name) + "/users/" + url.PathEscape(username)
	return c.doJSON(ctx, "DELETE", path, nil, nil)
}

// ListUsers returns the usernames configured on an instance.
func (c *Client) ListUsers(ctx context.Context, name string) ([]string, error) {
	var out struct {
		Users []string `json:"users"`
	}
	if err := c.doJSON(ctx, "GET", "/v1/instances/"+url.PathEscape(name)+"/users", nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// CertInfo returns the instance's certificate details.
func (c *Client) CertInfo(ctx context.Context, name string) (*certs.Info, error) {
	var out certs.Info
	if err := c.doJSON(ctx, "GET", "/v1/instances/"+url.PathEscape(name)+"/cert", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegenerateCert rotates the instance's certificate.
func (c *Client) RegenerateCert(ctx context.Context, name string) (*certs.Info, error) {
	var out certs.Info
	if err := c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(name)+"/cert", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Logs returns the last tail lines of an instance's daemon output.
func (c *Client) Logs(ctx context.Context, name string, tail int) ([]string, error) {
	path := "/v1/instances/" + url.PathEscape(name) + "/logs"
	if tail > 0 {
		path += "?tail=" + strconv.Itoa(tail)
	}
	var out struct {
		Lines []string `json:"lines"`
	}
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// Events returns recent audit events, optionally for one instance.
func (c *Client) Events(ctx context.Context, name string, limit int) ([]eventlog.Event, error) {
	q := url.Values{}
	if name != "" {
		q.Set("instance", name)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []eventlog.Event
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proxfleetd: %s (HTTP %d)", e.Message, e.StatusCode)
}

// doJSON makes a request and decodes the JSON response into result, if any.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseError(resp)
	}
	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// parseError reads an error response body and returns an APIError.
func parseError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
