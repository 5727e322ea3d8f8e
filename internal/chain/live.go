// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/crypto"
	"github.com/gentleomega/proofmem/internal/logging"
	"go.uber.org/atomic"
)

const (
	HeaderSignature = "X-Proofmem-Signature"
	HeaderTimestamp = "X-Proofmem-Timestamp"

	maxResponseBytes = 1 << 20
)

// LiveOptions configures the JSON-RPC client
type LiveOptions struct {
	URL           string
	AuthToken     string
	SigningKey    []byte
	FromAddress   string
	Timeout       time.Duration // per attempt
	MaxAttempts   int
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// LiveClient talks JSON-RPC 2.0 to a chain gateway
type LiveClient struct {
	url           string
	authToken     string
	signingKey    []byte
	from          string
	timeout       time.Duration
	maxAttempts   int
	retryInterval time.Duration
	http          *http.Client
	nextID        *atomic.Uint64
	logger        *slog.Logger
}

// RPCError is an error object returned by the gateway
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// statusError is a non-2xx HTTP response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway returned HTTP %d: %s", e.code, e.body)
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

type rpcReceipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	Status          string `json:"status"`
}

// NewLiveClient creates a JSON-RPC chain client
func NewLiveClient(opts LiveOptions) *LiveClient {
	c := &LiveClient{
		url:           opts.URL,
		authToken:     opts.AuthToken,
		signingKey:    opts.SigningKey,
		from:          opts.FromAddress,
		timeout:       opts.Timeout,
		maxAttempts:   opts.MaxAttempts,
		retryInterval: opts.RetryInterval,
		http:          opts.HTTPClient,
		nextID:        atomic.NewUint64(0),
		logger:        logging.OrDefault(opts.Logger),
	}
	if c.timeout <= 0 {
		c.timeout = 15 * time.Second
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	if c.retryInterval <= 0 {
		c.retryInterval = 250 * time.Millisecond
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// Submit sends the canonical submission as transaction data
func (c *LiveClient) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.DataHash == "" {
		return "", apperr.Validation("chain.live.submit", "data hash must not be empty")
	}
	data, err := crypto.CanonicalJSON(sub)
	if err != nil {
		return "", apperr.Validation("chain.live.submit", "encode submission: %v", err)
	}

	tx := map[string]string{"data": "0x" + hex.EncodeToString(data)}
	if c.from != "" {
		tx["from"] = c.from
	}

	var ref string
	if err := c.call(ctx, "eth_sendTransaction", []interface{}{tx}, &ref); err != nil {
		return "", err
	}
	if ref == "" {
		return "", apperr.New(apperr.KindChainUnavailable, "chain.eth_sendTransaction", "gateway returned an empty transaction reference")
	}
	return ref, nil
}

// Status fetches the receipt. No receipt yet means pending; a failed
// execution status means rejected.
func (c *LiveClient) Status(ctx context.Context, txRef string) (*Receipt, error) {
	var raw *rpcReceipt
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{txRef}, &raw); err != nil {
		return nil, err
	}

	receipt := &Receipt{TxRef: txRef, Status: StatusPending}
	if raw == nil || raw.BlockNumber == "" {
		return receipt, nil
	}

	block, err := parseQuantity(raw.BlockNumber)
	if err != nil {
		return nil, apperr.New(apperr.KindChainUnavailable, "chain.eth_getTransactionReceipt", "bad block number %q", raw.BlockNumber)
	}
	if raw.Status == "0x0" {
		receipt.Status = StatusRejected
		receipt.Reason = "transaction reverted"
		receipt.BlockNumber = block
		return receipt, nil
	}
	receipt.Status = StatusConfirmed
	receipt.BlockNumber = block
	return receipt, nil
}

// Head returns the gateway's latest block number
func (c *LiveClient) Head(ctx context.Context) (uint64, error) {
	var quantity string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &quantity); err != nil {
		return 0, err
	}
	block, err := parseQuantity(quantity)
	if err != nil {
		return 0, apperr.New(apperr.KindChainUnavailable, "chain.eth_blockNumber", "bad block number %q", quantity)
	}
	return block, nil
}

// Ping checks reachability with a head lookup
func (c *LiveClient) Ping(ctx context.Context) error {
	_, err := c.Head(ctx)
	return err
}

// Mode returns ModeLive
func (c *LiveClient) Mode() string {
	return ModeLive
}

// call performs one JSON-RPC method with bounded, jittered retries.
// Gateway rejections are not retried.
func (c *LiveClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	op := "chain." + method

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Inc(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return apperr.Validation(op, "encode request: %v", err)
	}

	attempt := 0
	do := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.post(callCtx, body, out)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("chain request failed, retrying",
			"method", method, "attempt", attempt, "wait", wait, "error", err)
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxAttempts-1)), ctx)
	err = backoff.RetryNotify(do, retry, notify)
	if err == nil {
		return nil
	}

	var rpcErr *RPCError
	var httpErr *statusError
	if errors.As(err, &rpcErr) || (errors.As(err, &httpErr) && !retryableStatus(httpErr.code)) {
		return &apperr.Error{Kind: apperr.KindChainRejected, Op: op, Message: "rejected by gateway", Err: err}
	}
	return &apperr.Error{
		Kind:    apperr.KindChainUnavailable,
		Op:      op,
		Message: fmt.Sprintf("gateway unreachable after %d attempt(s)", attempt),
		Err:     err,
	}
}

func (c *LiveClient) post(ctx context.Context, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if len(c.signingKey) > 0 {
		ts := time.Now().Unix()
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, crypto.Sign(c.signingKey, ts, body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(payload))}
		if retryableStatus(resp.StatusCode) {
			return statusErr
		}
		return backoff.Permanent(statusErr)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(payload, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return backoff.Permanent(rpcResp.Error)
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode result: %w", err))
	}
	return nil
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func parseQuantity(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
