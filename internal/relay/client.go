package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scan-orchestrator/internal/entity"
)

const (
	defaultStatePath   = "/job-state"
	defaultResultsPath = "/job-results"
	maxErrorBody       = 512
)

// StatusError is a non-2xx answer of the coordinator.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Retryable reports whether repeating the request may succeed.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

type ClientConfig struct {
	BaseURL     string
	StatePath   string
	ResultsPath string
	// Token, when set, is sent as a bearer token.
	Token   string
	Timeout time.Duration
}

// Client speaks the coordinator callback contract:
//
//	PUT  <base>/job-state   {"id": ..., "state": ...}
//	POST <base>/job-results {"id": ..., "result": {...}}
type Client struct {
	stateURL   string
	resultsURL string
	token      string
	client     *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("please define the coordinator url with a scheme, e.g. `http://coordinator:8080`")
	}
	base.Path = strings.TrimRight(base.Path, "/")

	statePath := cfg.StatePath
	if statePath == "" {
		statePath = defaultStatePath
	}
	resultsPath := cfg.ResultsPath
	if resultsPath == "" {
		resultsPath = defaultResultsPath
	}

	return &Client{
		stateURL:   base.JoinPath(statePath).String(),
		resultsURL: base.JoinPath(resultsPath).String(),
		token:      cfg.Token,
		client:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type stateUpdate struct {
	ID    string          `json:"id"`
	State entity.JobState `json:"state"`
}

type resultUpdate struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
}

func (c *Client) PutState(ctx context.Context, id string, state entity.JobState) error {
	return c.send(ctx, http.MethodPut, c.stateURL, stateUpdate{ID: id, State: state})
}

// PostResult sends the findings document. result must be a JSON document; it
// is embedded as is.
func (c *Client) PostResult(ctx context.Context, id string, result json.RawMessage) error {
	return c.send(ctx, http.MethodPost, c.resultsURL, resultUpdate{ID: id, Result: result})
}

func (c *Client) send(ctx context.Context, method, target string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Method: method,
		URL:    target,
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(b)),
	}
}
