package provider

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

// client is the JSON transport shared by all provider adapters.
type client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
	retryCfg   retry.Config
}

func newClient(baseURL string, log *slog.Logger) *client {
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

	return &client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Minute,
		},
		log:      log,
		retryCfg: retry.DefaultConfig(),
	}
}

func (c *client) get(ctx context.Context, path string, respBody any) error {
	return c.do(ctx, http.MethodGet, path, nil, respBody)
}

func (c *client) post(ctx context.Context, path string, reqBody, respBody any) error {
	return c.do(ctx, http.MethodPost, path, reqBody, respBody)
}

// do issues one JSON request. GETs are retried on transient failures; POSTs
// start or claim unbondings and go out exactly once, because the provider may
// have applied a request whose response was lost.
func (c *client) do(ctx context.Context, method, path string, reqBody, respBody any) error {
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
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Warn("provider request failed", "method", method, "path", path, "error", err)
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
	return fmt.Sprintf("provider API error: %s (status %d)", e.message, e.statusCode)
}

func (e *apiError) StatusCode() int {
	return e.statusCode
}
