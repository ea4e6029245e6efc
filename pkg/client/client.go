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
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/cuemby/bwcgen/pkg/metrics"
)

// Config describes how to reach the node's HTTP interface
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// BaseURL is the root URL of the node
func (c Config) BaseURL() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client talks to one node with basic auth
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
}

// New creates a client. No request is sent.
func New(cfg Config) (*Client, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid node address %s:%d", cfg.Host, cfg.Port)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		baseURL: cfg.BaseURL(),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// HTTPError is a non-2xx answer from the node
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s did not succeed: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// HealthRequest parameterizes a cluster health query. Zero fields are omitted.
type HealthRequest struct {
	Index                   string
	WaitForNodes            int
	WaitForStatus           string
	WaitForRelocatingShards *int
	Timeout                 time.Duration
}

func (r HealthRequest) path() string {
	p := "/_cluster/health"
	if r.Index != "" {
		p += "/" + url.PathEscape(r.Index)
	}

	q := url.Values{}
	if r.WaitForNodes > 0 {
		q.Set("wait_for_nodes", strconv.Itoa(r.WaitForNodes))
	}
	if r.WaitForStatus != "" {
		q.Set("wait_for_status", r.WaitForStatus)
	}
	if r.WaitForRelocatingShards != nil {
		q.Set("wait_for_relocating_shards", strconv.Itoa(*r.WaitForRelocatingShards))
	}
	if r.Timeout > 0 {
		q.Set("timeout", fmt.Sprintf("%ds", int(r.Timeout.Seconds())))
	}
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	return p
}

// HealthResponse is the subset of the cluster health answer we use
type HealthResponse struct {
	ClusterName         string `json:"cluster_name"`
	Status              string `json:"status"`
	TimedOut            bool   `json:"timed_out"`
	NumberOfNodes       int    `json:"number_of_nodes"`
	RelocatingShards    int    `json:"relocating_shards"`
	ActivePrimaryShards int    `json:"active_primary_shards"`
}

// ClusterHealth queries cluster health
func (c *Client) ClusterHealth(ctx context.Context, req HealthRequest) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, req.path(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// User is the body of a native realm user
type User struct {
	Password string   `json:"password"`
	Roles    []string `json:"roles"`
}

// PutUser creates or updates a native realm user
func (c *Client) PutUser(ctx context.Context, name string, user User) error {
	body, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user %s: %w", name, err)
	}
	return c.do(ctx, http.MethodPut, "/_shield/user/"+url.PathEscape(name), body, nil)
}

// PutRole creates or updates a role. The body is sent as given so callers
// control its key ordering.
func (c *Client) PutRole(ctx context.Context, name string, body []byte) error {
	return c.do(ctx, http.MethodPut, "/_shield/role/"+url.PathEscape(name), body, nil)
}

// IndexResponse is the answer to an index request
type IndexResponse struct {
	Index   string `json:"_index"`
	Type    string `json:"_type"`
	ID      string `json:"_id"`
	Version int    `json:"_version"`
	Created bool   `json:"created"`
}

// Index stores doc with a generated id
func (c *Client) Index(ctx context.Context, index, docType string, doc interface{}) (*IndexResponse, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document for %s: %w", index, err)
	}
	var resp IndexResponse
	path := "/" + url.PathEscape(index) + "/" + url.PathEscape(docType)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.HTTPRequestsTotal.WithLabelValues(method, "error").Inc()
		err = errors.Wrapf(err, "%s %s", method, path)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return errors.Mark(err, failure.ErrTimeout)
		}
		return err
	}
	defer resp.Body.Close()
	metrics.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "reading response of %s %s", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure.HTTP(&HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		})
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrapf(err, "decoding response of %s %s", method, path)
		}
	}
	return nil
}
