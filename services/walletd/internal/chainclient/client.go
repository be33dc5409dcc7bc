// Package chainclient is the JSON-RPC executor the broker runs authorized
// invocations through. It retries transient transport and server failures
// with jittered exponential backoff.
package chainclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/m-tq/OctWa-sub003/pkg/capability"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RPCError is a failure reported by the node itself, as opposed to a
// transport failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chain rpc error: code=%d message=%s", e.Code, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
	nextID     atomic.Int64
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Execute satisfies the broker's executor contract. The capability has
// already been enforced by the broker; the client only carries the call.
func (c *Client) Execute(ctx context.Context, _ capability.Capability, method string, params json.RawMessage) (any, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.retry.MaxAttempts {
				if serr := sleepWithBackoff(ctx, c.retry, attempt, ""); serr != nil {
					return nil, serr
				}
				continue
			}
			return nil, err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if shouldRetryStatus(resp.StatusCode) && attempt < c.retry.MaxAttempts {
			if serr := sleepWithBackoff(ctx, c.retry, attempt, resp.Header.Get("Retry-After")); serr != nil {
				return nil, serr
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("chain rpc: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}

		var out rpcResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("chain rpc: malformed response: %w", err)
		}
		if out.Error != nil {
			return nil, out.Error
		}
		var result any
		if len(out.Result) > 0 {
			if err := json.Unmarshal(out.Result, &result); err != nil {
				return nil, fmt.Errorf("chain rpc: malformed result: %w", err)
			}
		}
		return result, nil
	}
	return nil, errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(ctx context.Context, cfg RetryConfig, attempt int, retryAfter string) error {
	d := backoffDelay(cfg, attempt, retryAfter)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func backoffDelay(cfg RetryConfig, attempt int, retryAfter string) time.Duration {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			return d
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return time.Duration(max)
	}
	return time.Duration(n.Int64())
}
