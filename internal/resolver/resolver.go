package resolver

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

	"go.uber.org/zap"

	"github.com/g960059/launchgate/internal/config"
	"github.com/g960059/launchgate/internal/logging"
	"github.com/g960059/launchgate/internal/model"
	"github.com/g960059/launchgate/internal/security"
)

var (
	ErrMalformedURL    = errors.New("malformed url")
	ErrInvalidResponse = errors.New("invalid response")
	ErrDecoding        = errors.New("decoding failure")
	ErrEncoding        = errors.New("encoding failure")
)

// RequestError reports a non-2xx answer from a remote endpoint.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

func (e *RequestError) Unwrap() error {
	return ErrInvalidResponse
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

type Endpoints struct {
	AttributionBaseURL string
	AppID              string
	DevKey             string
	ConfigEndpoint     string
}

func EndpointsFromConfig(cfg config.Config) Endpoints {
	return Endpoints{
		AttributionBaseURL: cfg.AttributionBaseURL,
		AppID:              cfg.AppID,
		DevKey:             cfg.DevKey,
		ConfigEndpoint:     cfg.ConfigEndpoint,
	}
}

type Client struct {
	endpoints Endpoints
	metadata  *Metadata
	client    *http.Client
	log       *zap.Logger
}

func New(endpoints Endpoints, metadata *Metadata, client *http.Client, log *zap.Logger) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		endpoints: endpoints,
		metadata:  metadata,
		client:    client,
		log:       logging.OrNop(log).Named("resolver"),
	}
}

// FetchOrganicData downloads the install's attribution record and fills in
// link parameters for keys the record lacks.
func (c *Client) FetchOrganicData(ctx context.Context, linkParams map[string]any) (map[string]any, error) {
	u, err := c.attributionURL()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	payload, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch organic data: %w", err)
	}
	decoded, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	return model.Blend(decoded, linkParams), nil
}

// DiscoverEndpoint posts the attribution data together with device metadata
// and returns the destination the config endpoint assigns.
func (c *Client) DiscoverEndpoint(ctx context.Context, attribution map[string]any) (string, error) {
	endpoint, ok := model.NormalizeDestination(c.endpoints.ConfigEndpoint)
	if !ok {
		return "", fmt.Errorf("%w: config endpoint %q", ErrMalformedURL, c.endpoints.ConfigEndpoint)
	}
	body := model.CloneMap(attribution)
	for k, v := range c.metadata.Fields() {
		body[k] = v
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	c.log.Debug("discovering endpoint", zap.String("body", security.RedactPayload(string(encoded))))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	payload, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("discover endpoint: %w", err)
	}

	var resp struct {
		OK  *bool   `json:"ok"`
		URL *string `json:"url"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	if resp.OK == nil || !*resp.OK || resp.URL == nil {
		return "", fmt.Errorf("%w: endpoint response not ok", ErrDecoding)
	}
	dest, ok := model.NormalizeDestination(*resp.URL)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMalformedURL, *resp.URL)
	}
	return dest, nil
}

func (c *Client) attributionURL() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.endpoints.AttributionBaseURL), "/")
	if base == "" || c.endpoints.AppID == "" || c.endpoints.DevKey == "" {
		return "", fmt.Errorf("%w: attribution endpoint is not configured", ErrMalformedURL)
	}
	u, err := url.Parse(base + "/id" + url.PathEscape(c.endpoints.AppID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	q := url.Values{}
	q.Set("devkey", c.endpoints.DevKey)
	q.Set("device_id", c.metadata.DeviceID())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Message:    security.RedactPayload(strings.TrimSpace(string(payload))),
		}
	}
	return payload, nil
}

func decodeObject(payload []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: expected a json object", ErrDecoding)
	}
	return out, nil
}
