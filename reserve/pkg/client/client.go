// Package client is the HTTP client controllers use to talk to a remote
// reserve service. The controller identifies itself with the X-Controller-ID
// header; the reserve enforces its whitelist server-side.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/meridianlabs/unbond/utils/pkg/retry"
)

// Client is an HTTP client for the reserve service.
type Client struct {
	baseURL      string
	controllerID string
	httpClient   *http.Client
	log          *slog.Logger
	retryCfg     retry.Config
}

// New creates a reserve client acting as the given controller.
func New(baseURL, controllerID string, log *slog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
	}

	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		controllerID: controllerID,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Minute,
		},
		log:      log,
		retryCfg: retry.DefaultConfig(),
	}
}

// Available returns the quote amount the reserve can currently underwrite.
func (c *Client) Available(ctx context.Context) (uint64, error) {
	var resp struct {
		AvailableQuote uint64 `json:"available_quote"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp); err != nil {
		return 0, fmt.Errorf("failed to fetch reserve status: %w", err)
	}
	return resp.AvailableQuote, nil
}

// RequestReserves asks the reserve to deploy amount to this controller.
func (c *Client) RequestReserves(ctx context.Context, amount uint64) (uint64, error) {
	req := struct {
		Amount uint64 `json:"amount"`
	}{Amount: amount}
	var resp struct {
		Amount uint64 `json:"amount"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/reserves/request", req, &resp); err != nil {
		return 0, fmt.Errorf("failed to request reserves: %w", err)
	}
	return resp.Amount, nil
}

// ReturnReserves settles a deployment with the reserve.
func (c *Client) ReturnReserves(ctx context.Context, original, received uint64) error {
	req := struct {
		Original uint64 `json:"original"`
		Received uint64 `json:"received"`
	}{Original: original, Received: received}
	if err := c.do(ctx, http.MethodPost, "/v1/reserves/return", req, nil); err != nil {
		return fmt.Errorf("failed to return reserves: %w", err)
	}
	return nil
}

// do issues one JSON request. GETs are retried on transient failures; POSTs
// move funds and go out exactly once, because the reserve may have applied a
// request whose response was lost.
func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempt := func() error {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("X-Controller-ID", c.controllerID)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Warn("reserve request failed", "method", method, "path", path, "error", err)
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			return &apiError{statusCode: resp.StatusCode, message: strings.TrimSpace(string(body))}
		}

		if respBody != nil {
			if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	}

	if method == http.MethodGet {
		return retry.Do(ctx, c.retryCfg, attempt)
	}
	return attempt()
}

// apiError carries the HTTP status so retry.IsRetryable can classify it.
type apiError struct {
	statusCode int
	message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("reserve API error: %s (status %d)", e.message, e.statusCode)
}

func (e *apiError) StatusCode() int {
	return e.statusCode
}
