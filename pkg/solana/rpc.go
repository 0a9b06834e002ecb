package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mr-tron/base58"
	"github.com/rotisserie/eris"

	"github.com/sells-group/chainsync/internal/resilience"
)

// JSON-RPC error codes that indicate a provider-side condition worth retrying.
const (
	codeInternalError          = -32603
	codeBlockNotAvailable      = -32004
	codeNodeUnhealthy          = -32005
	codeLongTermStorageSlot    = -32009
	codeNodeBehind             = -32014
	codeMinContextSlotNotReach = -32016
)

// JSON-RPC error codes caused by the request itself.
const (
	codeInvalidRequest = -32600
	codeInvalidParams  = -32602
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// kindForRPCCode maps a JSON-RPC error code to a retry classification.
// -32005 is the "node is unhealthy / behind" signal most hosted providers
// also use for throttling.
func kindForRPCCode(code int) resilience.ErrorKind {
	switch code {
	case codeNodeUnhealthy:
		return resilience.KindRateLimited
	case codeInternalError, codeBlockNotAvailable, codeLongTermStorageSlot,
		codeNodeBehind, codeMinContextSlotNotReach:
		return resilience.KindTransient
	case codeInvalidRequest, codeInvalidParams:
		return resilience.KindInvalidRequest
	default:
		return resilience.KindFatal
	}
}

// call performs a single JSON-RPC round trip and decodes result.
func (c *HTTPClient) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return resilience.NewInvalidRequestError(eris.Wrap(err, "solana: marshal request"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return resilience.NewInvalidRequestError(eris.Wrap(err, "solana: create request"))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		wrapped := eris.Wrapf(err, "solana: %s", method)
		if ctx.Err() != nil {
			return wrapped
		}
		// Any transport failure is worth trying on another endpoint.
		return resilience.NewTransientError(wrapped, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resilience.NewTransientError(eris.Wrapf(err, "solana: %s: read response", method), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return &resilience.ClassifiedError{
			Kind:       resilience.KindForHTTPStatus(resp.StatusCode),
			Err:        eris.Errorf("solana: %s: unexpected status %d: %s", method, resp.StatusCode, truncate(respBody, 256)),
			StatusCode: resp.StatusCode,
		}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		// A 200 with a garbled body usually means a misbehaving proxy.
		return resilience.NewTransientError(eris.Wrapf(err, "solana: %s: unmarshal response", method), resp.StatusCode)
	}

	if rpcResp.Error != nil {
		return &resilience.ClassifiedError{
			Kind: kindForRPCCode(rpcResp.Error.Code),
			Err:  eris.Wrapf(rpcResp.Error, "solana: %s", method),
			Code: rpcResp.Error.Code,
		}
	}

	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return resilience.NewFatalError(eris.Wrapf(err, "solana: %s: unmarshal result", method))
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func commitmentConfig(cfg map[string]any, c Commitment) map[string]any {
	if c != "" {
		cfg["commitment"] = string(c)
	}
	return cfg
}

// encodedData is the [payload, encoding] pair the RPC uses for account data.
type encodedData []string

func (d encodedData) decode() ([]byte, error) {
	if len(d) == 0 {
		return nil, nil
	}
	enc := "base64"
	if len(d) > 1 {
		enc = d[1]
	}
	switch enc {
	case "base64":
		return base64.StdEncoding.DecodeString(d[0])
	case "base58":
		return base58.Decode(d[0])
	default:
		return nil, eris.Errorf("solana: unsupported data encoding %q", enc)
	}
}

type accountValue struct {
	Lamports   uint64      `json:"lamports"`
	Owner      string      `json:"owner"`
	Data       encodedData `json:"data"`
	Executable bool        `json:"executable"`
	RentEpoch  uint64      `json:"rentEpoch"`
}

// GetProgramAccounts lists every account owned by programID.
func (c *HTTPClient) GetProgramAccounts(ctx context.Context, programID string, opts *ProgramAccountsOpts) ([]ProgramAccount, error) {
	if err := ValidateAddress(programID); err != nil {
		return nil, resilience.NewInvalidRequestError(err)
	}

	cfg := map[string]any{"encoding": "base64"}
	if opts != nil {
		commitmentConfig(cfg, opts.Commitment)
		var filters []map[string]any
		if opts.DataSize > 0 {
			filters = append(filters, map[string]any{"dataSize": opts.DataSize})
		}
		for _, m := range opts.Memcmp {
			filters = append(filters, map[string]any{
				"memcmp": map[string]any{
					"offset": m.Offset,
					"bytes":  base58.Encode(m.Bytes),
				},
			})
		}
		if len(filters) > 0 {
			cfg["filters"] = filters
		}
	}

	var result []struct {
		Pubkey  string       `json:"pubkey"`
		Account accountValue `json:"account"`
	}
	if err := c.call(ctx, "getProgramAccounts", []any{programID, cfg}, &result); err != nil {
		return nil, err
	}

	accounts := make([]ProgramAccount, 0, len(result))
	for _, r := range result {
		data, err := r.Account.Data.decode()
		if err != nil {
			return nil, resilience.NewFatalError(eris.Wrapf(err, "solana: decode account %s", r.Pubkey))
		}
		accounts = append(accounts, ProgramAccount{Address: r.Pubkey, Data: data})
	}
	return accounts, nil
}

// GetAccountInfo fetches one account. Returns nil, nil if it doesn't exist.
func (c *HTTPClient) GetAccountInfo(ctx context.Context, address string, opts *AccountInfoOpts) (*AccountInfo, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, resilience.NewInvalidRequestError(err)
	}

	cfg := map[string]any{"encoding": "base64"}
	if opts != nil {
		commitmentConfig(cfg, opts.Commitment)
	}

	var result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value *accountValue `json:"value"`
	}
	if err := c.call(ctx, "getAccountInfo", []any{address, cfg}, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}

	data, err := result.Value.Data.decode()
	if err != nil {
		return nil, resilience.NewFatalError(eris.Wrapf(err, "solana: decode account %s", address))
	}
	return &AccountInfo{
		Lamports:   result.Value.Lamports,
		Owner:      result.Value.Owner,
		Data:       data,
		Executable: result.Value.Executable,
		RentEpoch:  result.Value.RentEpoch,
		Slot:       result.Context.Slot,
	}, nil
}

// GetSlot returns the current slot.
func (c *HTTPClient) GetSlot(ctx context.Context, opts *SlotOpts) (uint64, error) {
	var params []any
	if opts != nil && opts.Commitment != "" {
		params = append(params, commitmentConfig(map[string]any{}, opts.Commitment))
	}

	var slot uint64
	if err := c.call(ctx, "getSlot", params, &slot); err != nil {
		return 0, err
	}
	return slot, nil
}

// GetSignaturesForAddress lists recent signatures for address, newest first.
func (c *HTTPClient) GetSignaturesForAddress(ctx context.Context, address string, opts *SignaturesOpts) ([]SignatureInfo, error) {
	if err := ValidateAddress(address); err != nil {
		return nil, resilience.NewInvalidRequestError(err)
	}

	params := []any{address}
	if opts != nil {
		cfg := make(map[string]any)
		if opts.Before != "" {
			cfg["before"] = opts.Before
		}
		if opts.Until != "" {
			cfg["until"] = opts.Until
		}
		if opts.Limit > 0 {
			cfg["limit"] = opts.Limit
		}
		if len(cfg) > 0 {
			params = append(params, cfg)
		}
	}

	var result []struct {
		Signature string `json:"signature"`
		Slot      uint64 `json:"slot"`
		BlockTime *int64 `json:"blockTime"`
		Err       any    `json:"err"`
	}
	if err := c.call(ctx, "getSignaturesForAddress", params, &result); err != nil {
		return nil, err
	}

	sigs := make([]SignatureInfo, len(result))
	for i, r := range result {
		sigs[i] = SignatureInfo{
			Signature: r.Signature,
			Slot:      r.Slot,
			BlockTime: r.BlockTime,
			Err:       r.Err,
		}
	}
	return sigs, nil
}
