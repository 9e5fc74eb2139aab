package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/g960059/launchgate/internal/logging"
	"github.com/g960059/launchgate/internal/model"
)

var ErrDecoding = errors.New("gate response decoding failed")

type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gate http %d", e.StatusCode)
}

// Client reads a remote config document whose value is a destination URL. The
// gate is open iff that value is a non-empty absolute http(s) URL.
type Client struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func New(url string, client *http.Client, log *zap.Logger) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		url:    strings.TrimSpace(url),
		client: client,
		log:    logging.OrNop(log).Named("gate"),
	}
}

func (c *Client) Check(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("build gate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("gate request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, &StatusError{StatusCode: resp.StatusCode}
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read gate response: %w", err)
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return false, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	raw, ok := value.(string)
	if !ok {
		c.log.Debug("gate value is not a string")
		return false, nil
	}
	_, valid := model.NormalizeDestination(raw)
	return valid, nil
}
