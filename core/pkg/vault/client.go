package vault

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

// Client is an HTTP client for a remote vault service. It satisfies Vault.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
	retryCfg   retry.Config
}

// NewClient creates a vault client for the given base URL.
func NewClient(baseURL string, log *slog.Logger) *Client {
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
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Minute,
		},
		log:      log,
		retryCfg: retry.DefaultConfig(),
	}
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type repayRequest struct {
	Amount     uint64 `json:"amount"`
	DebtShares uint64 `json:"debt_shares"`
}

type amountResponse struct {
	Amount uint64 `json:"amount"`
}

// Status implements Vault.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &status); err != nil {
		return Status{}, fmt.Errorf("failed to fetch vault status: %w", err)
	}
	return status, nil
}

// Deposit implements Vault.
func (c *Client) Deposit(ctx context.Context, amount uint64) (uint64, error) {
	var resp amountResponse
	if err := c.do(ctx, http.MethodPost, "/v1/deposit", amountRequest{Amount: amount}, &resp); err != nil {
		return 0, fmt.Errorf("failed to deposit: %w", err)
	}
	return resp.Amount, nil
}

// Withdraw implements Vault.
func (c *Client) Withdraw(ctx context.Context, receipt uint64) (uint64, error) {
	var resp amountResponse
	if err := c.do(ctx, http.MethodPost, "/v1/withdraw", amountRequest{Amount: receipt}, &resp); err != nil {
		return 0, fmt.Errorf("failed to withdraw: %w", err)
	}
	return resp.Amount, nil
}

// Borrow implements Vault.
func (c *Client) Borrow(ctx context.Context, amount uint64) (uint64, error) {
	var resp amountResponse
	if err := c.do(ctx, http.MethodPost, "/v1/borrow", amountRequest{Amount: amount}, &resp); err != nil {
		return 0, fmt.Errorf("failed to borrow: %w", err)
	}
	return resp.Amount, nil
}

// Repay implements Vault.
func (c *Client) Repay(ctx context.Context, amount uint64, debtShares uint64) error {
	if err := c.do(ctx, http.MethodPost, "/v1/repay", repayRequest{Amount: amount, DebtShares: debtShares}, nil); err != nil {
		return fmt.Errorf("failed to repay: %w", err)
	}
	return nil
}

// do issues one JSON request. GETs are retried on transient failures; POSTs
// move funds and go out exactly once, because the vault may have applied a
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
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Warn("vault request failed", "method", method, "path", path, "error", err)
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
	return fmt.Sprintf("vault API error: %s (status %d)", e.message, e.statusCode)
}

func (e *apiError) StatusCode() int {
	return e.statusCode
}
