package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"escrowcoord/native/escrow"
)

const submitMethod = "workflow_submitAction"

// RPCSubmitter forwards actions to the signing and broadcast service over
// JSON-RPC.
type RPCSubmitter struct {
	baseURL   string
	authToken string
	factory   common.Address
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCSubmitter constructs a submitter. Creation actions are addressed to
// factory.
func NewRPCSubmitter(baseURL, authToken string, factory common.Address) *RPCSubmitter {
	return &RPCSubmitter{
		baseURL:   baseURL,
		authToken: authToken,
		factory:   factory,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type submitParams struct {
	Kind   escrow.ActionKind `json:"kind"`
	To     string            `json:"to"`
	Caller string            `json:"caller"`
	Value  string            `json:"value"`
	Args   escrow.ActionArgs `json:"args"`
}

type submitResult struct {
	PendingID string `json:"pendingId"`
}

// Submit implements Submitter.
func (c *RPCSubmitter) Submit(ctx context.Context, action escrow.Action) (common.Hash, error) {
	if action.Args == nil {
		return common.Hash{}, errors.New("action arguments required")
	}
	to := action.Agreement
	if action.Kind() == escrow.ActionCreateAgreement {
		to = c.factory
	}
	value := "0"
	if action.Value != nil {
		value = action.Value.String()
	}
	params := submitParams{
		Kind:   action.Kind(),
		To:     to.Hex(),
		Caller: action.Caller.Hex(),
		Value:  value,
		Args:   action.Args,
	}
	var result submitResult
	if err := c.call(ctx, submitMethod, []interface{}{params}, &result); err != nil {
		return common.Hash{}, err
	}
	id := strings.TrimSpace(result.PendingID)
	if !strings.HasPrefix(id, "0x") || len(id) != 66 {
		return common.Hash{}, fmt.Errorf("invalid pending id %q", result.PendingID)
	}
	return common.HexToHash(id), nil
}

func (c *RPCSubmitter) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("signer rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("signer rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("signer rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
