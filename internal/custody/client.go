// Package custody talks to the external key-management provider over HTTP.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NgigiN/stablelink/internal/apperr"
	"github.com/NgigiN/stablelink/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const (
	AppIDHeader       = "X-Custody-App-Id"
	IdempotencyHeader = "X-Idempotency-Key"

	DefaultTimeout = 30 * time.Second
)

type idempotencyKeyCtx struct{}

// WithIdempotencyKey makes every provider request under ctx carry key, so
// retries of one logical operation are deduplicated by the provider.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

func idempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyCtx{}).(string); ok && key != "" {
		return key
	}
	return uuid.NewString()
}

// Client implements wallet.Custodian and wallet.SessionRecoverer.
type Client struct {
	baseURL   string
	appID     string
	appSecret string
	client    *http.Client
}

type rpcRequest struct {
	Method    string `json:"method"`
	CAIP2     string `json:"caip2"`
	ChainType string `json:"chain_type"`
	Params    any    `json:"params"`
}

type rpcResponse struct {
	Method string `json:"method"`
	Data   struct {
		Hash      string `json:"hash"`
		Signature string `json:"signature"`
		Encoding  string `json:"encoding"`
	} `json:"data"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type transactionParams struct {
	To       string  `json:"to"`
	Value    string  `json:"value,omitempty"`
	Data     string  `json:"data,omitempty"`
	GasLimit string  `json:"gas_limit,omitempty"`
	Nonce    *uint64 `json:"nonce,omitempty"`
	ChainID  uint64  `json:"chain_id"`
}

func NewClient(baseURL, appID, appSecret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		appID:     appID,
		appSecret: appSecret,
		client:    &http.Client{Timeout: timeout},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

func (c *Client) SendTransaction(ctx context.Context, walletID string, chain wallet.Chain, req wallet.TransactionRequest) (wallet.Result, error) {
	return c.rpc(ctx, walletID, chain, "eth_sendTransaction", map[string]any{"transaction": txParams(chain, req)})
}

func (c *Client) SignTransaction(ctx context.Context, walletID string, chain wallet.Chain, req wallet.TransactionRequest) (wallet.Result, error) {
	return c.rpc(ctx, walletID, chain, "eth_signTransaction", map[string]any{"transaction": txParams(chain, req)})
}

func (c *Client) SignMessage(ctx context.Context, walletID string, chain wallet.Chain, req wallet.MessageRequest) (wallet.Result, error) {
	return c.rpc(ctx, walletID, chain, "personal_sign", map[string]any{"message": req.Message, "encoding": req.Encoding})
}

func (c *Client) SignTypedData(ctx context.Context, walletID string, chain wallet.Chain, req wallet.TypedDataRequest) (wallet.Result, error) {
	return c.rpc(ctx, walletID, chain, "eth_signTypedData_v4", map[string]any{"typed_data": req.TypedData})
}

func (c *Client) SignRawHash(ctx context.Context, walletID string, chain wallet.Chain, hash common.Hash) (wallet.Result, error) {
	return c.rpc(ctx, walletID, chain, "secp256k1_sign", map[string]any{"hash": hash.Hex()})
}

func (c *Client) Sign7702Authorization(ctx context.Context, walletID string, chain wallet.Chain, req wallet.AuthorizationRequest) (wallet.Result, error) {
	params := map[string]any{"contract": req.Contract, "chain_id": chain.ChainID}
	if req.Nonce != nil {
		params["nonce"] = *req.Nonce
	}
	return c.rpc(ctx, walletID, chain, "eth_sign7702Authorization", params)
}

// RecoverSession asks the provider to mint a fresh authorization session for
// the wallet.
func (c *Client) RecoverSession(ctx context.Context, walletID, address string) error {
	body, err := json.Marshal(map[string]string{"address": address})
	if err != nil {
		return fmt.Errorf("failed to marshal session refresh: %w", err)
	}
	_, err = c.post(ctx, fmt.Sprintf("%s/v1/wallets/%s/session/refresh", c.baseURL, walletID), body)
	return err
}

func (c *Client) rpc(ctx context.Context, walletID string, chain wallet.Chain, method string, params any) (wallet.Result, error) {
	chainType := "ethereum"
	if !chain.EVM() {
		chainType = chain.Key
	}
	body, err := json.Marshal(rpcRequest{Method: method, CAIP2: chain.CAIP2, ChainType: chainType, Params: params})
	if err != nil {
		return wallet.Result{}, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	respBody, err := c.post(ctx, fmt.Sprintf("%s/v1/wallets/%s/rpc", c.baseURL, walletID), body)
	if err != nil {
		return wallet.Result{}, err
	}

	var resp rpcResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return wallet.Result{}, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if resp.Data.Hash == "" && resp.Data.Signature == "" {
		return wallet.Result{}, fmt.Errorf("%s response carried neither hash nor signature", method)
	}
	return wallet.Result{
		Hash:      resp.Data.Hash,
		Signature: resp.Data.Signature,
		Encoding:  resp.Data.Encoding,
	}, nil
}

// post returns the response body on 2xx. Non-2xx bodies are surfaced as raw
// provider text so wallet.Classify can read them, except for throttling and
// outages which are classified here.
func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.appID, c.appSecret)
	req.Header.Set(AppIDHeader, c.appID)
	req.Header.Set(IdempotencyHeader, idempotencyKey(ctx))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("custody request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, fmt.Errorf("failed to read custody response: %w", err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	msg := providerMessage(respBody)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperr.Newf(apperr.KindRateLimited, "custody provider throttled: %s", msg)
	case resp.StatusCode >= 500:
		return nil, apperr.Newf(apperr.KindNetwork, "custody provider error (%d): %s", resp.StatusCode, msg)
	}
	return nil, fmt.Errorf("custody provider error (%d): %s", resp.StatusCode, msg)
}

func providerMessage(body []byte) string {
	var e errorResponse
	if json.Unmarshal(body, &e) == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(body))
}

func txParams(chain wallet.Chain, req wallet.TransactionRequest) transactionParams {
	p := transactionParams{
		To:      req.To,
		Value:   req.Value,
		Data:    req.Data,
		Nonce:   req.Nonce,
		ChainID: chain.ChainID,
	}
	if req.GasLimit > 0 {
		p.GasLimit = fmt.Sprintf("0x%x", req.GasLimit)
	}
	return p
}
