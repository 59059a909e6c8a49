// Package chain provides Neo N3 blockchain interaction for the custody ledger:
// a JSON-RPC client that implements the external ledger surface and a
// keyring signer for custodial accounts.
package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/custody_ledger/internal/resilience"
)

// Client provides Neo N3 RPC client functionality.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	networkID  uint32
	batchSize  uint64
	assets     Assets
	breaker    *resilience.CircuitBreaker
	nextID     atomic.Uint64
}

// Config holds client configuration.
type Config struct {
	RPCURL    string
	NetworkID uint32 // MainNet: 860833102, TestNet: 894710606
	Timeout   time.Duration
	// BatchSize caps the blocks scanned by one GetActivitySince call.
	BatchSize uint64
	Assets    Assets
	Breaker   resilience.BreakerConfig
}

// NewClient creates a new Neo N3 client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	batch := cfg.BatchSize
	if batch == 0 {
		batch = 50
	}
	assets := cfg.Assets
	if assets == nil {
		assets = DefaultAssets()
	}
	breakerCfg := cfg.Breaker
	if breakerCfg.FailureThreshold == 0 {
		breakerCfg = resilience.DefaultBreakerConfig()
	}

	return &Client{
		rpcURL: cfg.RPCURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		networkID: cfg.NetworkID,
		batchSize: batch,
		assets:    assets,
		breaker:   resilience.NewCircuitBreaker(breakerCfg),
	}, nil
}

// NetworkID returns the configured network magic.
func (c *Client) NetworkID() uint32 { return c.networkID }

// Assets returns the tokens the client decodes.
func (c *Client) Assets() Assets { return c.assets }

// BreakerState reports the RPC circuit breaker state.
func (c *Client) BreakerState() resilience.CircuitState { return c.breaker.State() }

// =============================================================================
// Core RPC Methods
// =============================================================================

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int64
	Message string
	Data    string
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) text() string {
	return strings.ToLower(e.Message + " " + e.Data)
}

// NotFound reports an unknown transaction or block.
func (e *RPCError) NotFound() bool {
	return e.Code == -100 || strings.Contains(e.text(), "unknown transaction")
}

// AlreadyKnown reports that the node already has the submitted transaction.
func (e *RPCError) AlreadyKnown() bool {
	return e.Code == -501 || e.Code == -503 || strings.Contains(e.text(), "already exists") ||
		strings.Contains(e.text(), "alreadyexists") || strings.Contains(e.text(), "already in pool")
}

// Rejected reports a definitive refusal of a submitted transaction.
func (e *RPCError) Rejected() bool {
	return e.Code <= -500 && e.Code > -600 && !e.AlreadyKnown()
}

// Call makes an RPC call to the Neo N3 node. Transport failures count
// against the circuit breaker; error objects returned by the node do not.
func (c *Client) Call(ctx context.Context, method string, params ...any) (gjson.Result, error) {
	if err := c.breaker.Allow(); err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", method, err)
	}
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.breaker.RecordFailure(err)
		return gjson.Result{}, fmt.Errorf("execute %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure(err)
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError || !gjson.ValidBytes(respBody) {
		err := fmt.Errorf("%s: unexpected response (status %d)", method, resp.StatusCode)
		c.breaker.RecordFailure(err)
		return gjson.Result{}, err
	}
	c.breaker.RecordSuccess()

	parsed := gjson.ParseBytes(respBody)
	if rpcErr := parsed.Get("error"); rpcErr.Exists() && rpcErr.Type != gjson.Null {
		return gjson.Result{}, &RPCError{
			Code:    rpcErr.Get("code").Int(),
			Message: rpcErr.Get("message").String(),
			Data:    rpcErr.Get("data").String(),
		}
	}
	return parsed.Get("result"), nil
}

// GetBlockCount returns the number of blocks in the chain.
func (c *Client) GetBlockCount(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "getblockcount")
	if err != nil {
		return 0, err
	}
	return result.Uint(), nil
}

// GetBlock returns the verbose form of the block at index.
func (c *Client) GetBlock(ctx context.Context, index uint64) (gjson.Result, error) {
	return c.Call(ctx, "getblock", index, 1)
}

// GetApplicationLog returns the application log for a transaction.
func (c *Client) GetApplicationLog(ctx context.Context, txHash string) (gjson.Result, error) {
	return c.Call(ctx, "getapplicationlog", txHash)
}

// InvokeFunction test-invokes a contract method.
func (c *Client) InvokeFunction(ctx context.Context, contract, method string, params []ContractParam) (gjson.Result, error) {
	if params == nil {
		params = []ContractParam{}
	}
	return c.Call(ctx, "invokefunction", contract, method, params)
}

// InvokeScript test-runs a script with the given signers.
func (c *Client) InvokeScript(ctx context.Context, script []byte, signers []transaction.Signer) (gjson.Result, error) {
	rpcSigners := make([]map[string]string, 0, len(signers))
	for _, s := range signers {
		rpcSigners = append(rpcSigners, map[string]string{
			"account": "0x" + s.Account.StringLE(),
			"scopes":  scopeName(s.Scopes),
		})
	}
	return c.Call(ctx, "invokescript", base64.StdEncoding.EncodeToString(script), rpcSigners)
}

func scopeName(scope transaction.WitnessScope) string {
	switch scope {
	case transaction.None:
		return "None"
	case transaction.Global:
		return "Global"
	default:
		return "CalledByEntry"
	}
}

// SendRawTransaction broadcasts a serialized transaction.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	result, err := c.Call(ctx, "sendrawtransaction", base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return "", err
	}
	return result.Get("hash").String(), nil
}

// ContractParam is a typed invocation argument.
type ContractParam struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// SystemFee returns the GAS a script consumes when executed by signers.
func (c *Client) SystemFee(ctx context.Context, script []byte, signers []transaction.Signer) (int64, error) {
	result, err := c.InvokeScript(ctx, script, signers)
	if err != nil {
		return 0, err
	}
	if state := result.Get("state").String(); state != "HALT" {
		return 0, fmt.Errorf("%w: script faulted: %s", errScriptFault, result.Get("exception").String())
	}
	return parseInt(result.Get("gasconsumed"))
}

// NetworkFee asks the node to price the witnesses of a serialized
// transaction.
func (c *Client) NetworkFee(ctx context.Context, raw []byte) (int64, error) {
	result, err := c.Call(ctx, "calculatenetworkfee", base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return 0, err
	}
	return parseInt(result.Get("networkfee"))
}

func parseInt(v gjson.Result) (int64, error) {
	if v.Type == gjson.Number {
		return v.Int(), nil
	}
	n, err := strconv.ParseInt(v.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse integer %q: %w", v.String(), err)
	}
	return n, nil
}

func parseUint(v gjson.Result) (uint64, error) {
	if v.Type == gjson.Number {
		return v.Uint(), nil
	}
	n, err := strconv.ParseUint(v.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", v.String(), err)
	}
	return n, nil
}
