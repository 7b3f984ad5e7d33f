package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"barstock-sync-service/internal/config"
	"barstock-sync-service/internal/queue"
	"barstock-sync-service/internal/store"
)

// Outcome classifies a remote response for the retry policy.
type Outcome int

const (
	// OutcomeOK: 2xx, mutation acknowledged.
	OutcomeOK Outcome = iota
	// OutcomeUnauthorized: expired credential, fatal to the whole cycle.
	OutcomeUnauthorized
	// OutcomeConflict: server rejected with 409, resolver takes over.
	OutcomeConflict
	// OutcomePermanent: 4xx other than 401/409/429; retrying cannot help.
	OutcomePermanent
	// OutcomeTransient: 5xx, 429 or transport failure; retry later.
	OutcomeTransient
)

// Result is one classified remote exchange.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Body       json.RawMessage
	Err        error
}

// TokenSource supplies the bearer credential for remote calls. Token storage
// and refresh belong to the auth collaborator, not this engine.
type TokenSource interface {
	Token() (string, error)
}

// StaticTokenSource returns a fixed token, used in tests and simple setups.
type StaticTokenSource string

func (s StaticTokenSource) Token() (string, error) {
	return string(s), nil
}

// FileTokenSource reads the token from disk on every call so a refreshed
// credential is picked up without restarting the agent.
type FileTokenSource string

func (f FileTokenSource) Token() (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Client performs the remote mutation calls against the backend API.
type Client struct {
	baseURL    string
	healthPath string
	http       *http.Client
	tokens     TokenSource
}

func NewClient(cfg config.RemoteConfig, tokens TokenSource) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		healthPath: cfg.HealthPath,
		http:       &http.Client{Timeout: cfg.GetRequestTimeout()},
		tokens:     tokens,
	}
}

// Do performs the remote call for one queued mutation:
// create -> POST, update -> PATCH, delete -> DELETE.
func (c *Client) Do(ctx context.Context, item *store.QueueItem) *Result {
	var method string
	var body io.Reader
	switch item.Kind {
	case queue.KindCreate:
		method = http.MethodPost
		body = bytes.NewReader(item.Payload)
	case queue.KindUpdate:
		method = http.MethodPatch
		body = bytes.NewReader(item.Payload)
	case queue.KindDelete:
		method = http.MethodDelete
	default:
		return &Result{Outcome: OutcomePermanent, Err: fmt.Errorf("invalid mutation kind: %q", item.Kind)}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+item.Target, body)
	if err != nil {
		return &Result{Outcome: OutcomePermanent, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(req); err != nil {
		return &Result{Outcome: OutcomeUnauthorized, Err: err}
	}

	return c.exchange(req)
}

// DoWithPayload performs the item's call with a substitute payload (used
// when an auto-resolved conflict replays the mutation atop server state).
func (c *Client) DoWithPayload(ctx context.Context, item *store.QueueItem, payload json.RawMessage) *Result {
	substitute := *item
	substitute.Payload = payload
	return c.Do(ctx, &substitute)
}

// Fetch retrieves the server's current state of an entity for conflict
// detection.
func (c *Client) Fetch(ctx context.Context, target string) *Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+target, nil)
	if err != nil {
		return &Result{Outcome: OutcomePermanent, Err: err}
	}
	if err := c.authorize(req); err != nil {
		return &Result{Outcome: OutcomeUnauthorized, Err: err}
	}
	return c.exchange(req)
}

// Reachable probes the backend health endpoint. The background reconciler
// calls this before draining, the connectivity monitor polls it.
func (c *Client) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < http.StatusInternalServerError
}

func (c *Client) authorize(req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (c *Client) exchange(req *http.Request) *Result {
	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failure; indistinguishable from being offline.
		return &Result{Outcome: OutcomeTransient, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Result{Outcome: OutcomeTransient, StatusCode: resp.StatusCode, Err: err}
	}

	result := &Result{StatusCode: resp.StatusCode, Body: body}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Outcome = OutcomeOK
	case resp.StatusCode == http.StatusUnauthorized:
		result.Outcome = OutcomeUnauthorized
		result.Err = fmt.Errorf("credential expired")
	case resp.StatusCode == http.StatusConflict:
		result.Outcome = OutcomeConflict
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		result.Outcome = OutcomeTransient
		result.Err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body))
	default:
		// Remaining 4xx: the server will never accept this payload.
		result.Outcome = OutcomePermanent
		result.Err = fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body))
	}
	return result
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
