package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/launchgate/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

func New(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return NewWithClient("http://unix", &http.Client{Transport: transport})
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type WatchLoopOptions struct {
	Cursor          string
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
	Once            bool
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, false, &resp)
	return resp, err
}

func (c *Client) State(ctx context.Context) (api.StateEnvelope, error) {
	var env api.StateEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/state", nil, nil, false, &env)
	return env, err
}

// Watch long-polls the daemon. An empty cursor returns the current state at
// once.
func (c *Client) Watch(ctx context.Context, cursor string) (api.WatchResponse, error) {
	query := url.Values{}
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		query.Set("cursor", cursor)
	}
	var resp api.WatchResponse
	err := c.do(ctx, http.MethodGet, "/v1/watch", query, nil, true, &resp)
	return resp, err
}

// WatchLoop follows state changes until ctx ends, onState fails, or a
// non-retryable error occurs. Only responses with Changed set reach onState.
func (c *Client) WatchLoop(ctx context.Context, opts WatchLoopOptions, onState func(api.WatchResponse) error) error {
	minBackoff := opts.RetryMinBackoff
	if minBackoff <= 0 {
		minBackoff = 250 * time.Millisecond
	}
	maxBackoff := opts.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 4 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	cursor := strings.TrimSpace(opts.Cursor)
	backoff := minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := c.Watch(ctx, cursor)
		if err != nil {
			if opts.Once {
				return err
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
			if waitErr := sleepWithContext(ctx, backoff); waitErr != nil {
				return waitErr
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		if resp.Cursor != "" {
			cursor = resp.Cursor
		}
		if resp.Changed && onState != nil {
			if err := onState(resp); err != nil {
				return err
			}
		}
		if opts.Once {
			return nil
		}
	}
}

func (c *Client) Transitions(ctx context.Context, limit int) (api.TransitionsEnvelope, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var env api.TransitionsEnvelope
	err := c.do(ctx, http.MethodGet, "/v1/transitions", query, nil, false, &env)
	return env, err
}

func (c *Client) SendAttribution(ctx context.Context, payload map[string]any) (api.SignalResponse, error) {
	return c.signal(ctx, "attribution", &api.SignalRequest{Payload: payload})
}

func (c *Client) SendDeeplink(ctx context.Context, payload map[string]any) (api.SignalResponse, error) {
	return c.signal(ctx, "deeplink", &api.SignalRequest{Payload: payload})
}

func (c *Client) ReportAttributionFailure(ctx context.Context) (api.SignalResponse, error) {
	return c.signal(ctx, "failure", nil)
}

func (c *Client) signal(ctx context.Context, kind string, req *api.SignalRequest) (api.SignalResponse, error) {
	var body any
	if req != nil {
		body = req
	}
	var resp api.SignalResponse
	err := c.do(ctx, http.MethodPost, "/v1/signals/"+url.PathEscape(kind), nil, body, false, &resp)
	return resp, err
}

func (c *Client) Push(ctx context.Context, payload map[string]any) (api.PushResponse, error) {
	var resp api.PushResponse
	err := c.do(ctx, http.MethodPost, "/v1/push", nil, api.PushRequest{Payload: payload}, false, &resp)
	return resp, err
}

func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("push token is required")
	}
	return c.do(ctx, http.MethodPost, "/v1/push/token", nil, api.PushTokenRequest{Token: token}, false, nil)
}

func (c *Client) Authorize(ctx context.Context, decision string) (api.AuthorizationResponse, error) {
	var resp api.AuthorizationResponse
	err := c.do(ctx, http.MethodPost, "/v1/authorization", nil, api.AuthorizationRequest{Decision: decision}, false, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, longLived bool, out any) error {
	payload, err := c.request(ctx, method, path, query, body, longLived)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, longLived bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if !longLived && c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
