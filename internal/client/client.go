// Package client talks to a running nfcond daemon over its HTTP API.
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
	"strings"
	"time"

	"github.com/bolasblack/nfcond/internal/condition"
	"github.com/bolasblack/nfcond/internal/config"
	"github.com/bolasblack/nfcond/internal/daemon"
	"github.com/bolasblack/nfcond/internal/server"
	"github.com/bolasblack/nfcond/internal/xt"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Status)
	}
	return e.Message
}

// Client is an API client.
type Client struct {
	http *http.Client
	base string
}

// New creates a client for a listen address in config.ParseListen form.
func New(listen string) (*Client, error) {
	network, address, err := config.ParseListen(listen)
	if err != nil {
		return nil, err
	}

	if network == "tcp" {
		return NewWithHTTPClient(&http.Client{Timeout: 30 * time.Second}, "http://"+address), nil
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", address)
		},
	}
	return NewWithHTTPClient(&http.Client{Transport: transport, Timeout: 30 * time.Second}, "http://nfcond"), nil
}

// NewWithHTTPClient creates a client using hc against base, e.g. an
// httptest server URL.
func NewWithHTTPClient(hc *http.Client, base string) *Client {
	return &Client{http: hc, base: strings.TrimSuffix(base, "/")}
}

func nsPath(ns string, parts ...string) string {
	p := "/v1/namespaces/" + url.PathEscape(ns)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e server.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err := json.Unmarshal(data, &e); err != nil {
			e.Error = strings.TrimSpace(string(data))
		}
		return nil, &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Namespaces lists namespaces.
func (c *Client) Namespaces(ctx context.Context) ([]string, error) {
	var out server.NamespacesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/namespaces", nil, &out); err != nil {
		return nil, err
	}
	return out.Namespaces, nil
}

// CreateNamespace creates ns.
func (c *Client) CreateNamespace(ctx context.Context, ns string) error {
	return c.doJSON(ctx, http.MethodPut, nsPath(ns), nil, nil)
}

// DeleteNamespace destroys ns.
func (c *Client) DeleteNamespace(ctx context.Context, ns string) error {
	return c.doJSON(ctx, http.MethodDelete, nsPath(ns), nil, nil)
}

// Policy returns the verdict ns applies when no rule matches.
func (c *Client) Policy(ctx context.Context, ns string) (xt.Verdict, error) {
	var out server.PolicyBody
	err := c.doJSON(ctx, http.MethodGet, nsPath(ns, "policy"), nil, &out)
	return out.Policy, err
}

// SetPolicy sets the verdict ns applies when no rule matches.
func (c *Client) SetPolicy(ctx context.Context, ns string, v xt.Verdict) error {
	return c.doJSON(ctx, http.MethodPut, nsPath(ns, "policy"), server.PolicyBody{Policy: v}, nil)
}

// Conditions lists the condition variables of ns.
func (c *Client) Conditions(ctx context.Context, ns string) ([]condition.Info, error) {
	var out server.ConditionsResponse
	if err := c.doJSON(ctx, http.MethodGet, nsPath(ns, "conditions"), nil, &out); err != nil {
		return nil, err
	}
	return out.Conditions, nil
}

// ReadCondition returns the raw contents of a control node.
func (c *Client) ReadCondition(ctx context.Context, ns, name string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, nsPath(ns, "conditions", name), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// WriteCondition writes data to a control node.
func (c *Client) WriteCondition(ctx context.Context, ns, name string, data []byte) error {
	resp, err := c.do(ctx, http.MethodPut, nsPath(ns, "conditions", name), bytes.NewReader(data), "text/plain")
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

// Rules lists the rules of ns.
func (c *Client) Rules(ctx context.Context, ns string) ([]xt.Rule, error) {
	var out server.RulesResponse
	if err := c.doJSON(ctx, http.MethodGet, nsPath(ns, "rules"), nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

// AddRule installs a rule in ns.
func (c *Client) AddRule(ctx context.Context, ns string, spec daemon.RuleSpec) (xt.Rule, error) {
	var out xt.Rule
	err := c.doJSON(ctx, http.MethodPost, nsPath(ns, "rules"), spec, &out)
	return out, err
}

// DeleteRule removes a rule from ns.
func (c *Client) DeleteRule(ctx context.Context, ns, id string) error {
	return c.doJSON(ctx, http.MethodDelete, nsPath(ns, "rules", id), nil, nil)
}

// Evaluate evaluates the rule table of ns.
func (c *Client) Evaluate(ctx context.Context, ns string) (xt.Result, error) {
	var out xt.Result
	err := c.doJSON(ctx, http.MethodPost, nsPath(ns, "evaluate"), nil, &out)
	return out, err
}
