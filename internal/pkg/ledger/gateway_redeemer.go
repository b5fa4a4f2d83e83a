package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chainbillhq/chainbill/internal/pkg/env"
)

// GatewayRedeemer submits redemptions to the chain gateway service over
// HTTP. The gateway owns keys, transaction construction and broadcasting;
// this client only speaks the gateway's JSON contract.
type GatewayRedeemer struct {
	BaseURL string
	APIKey  string

	HTTPClient *http.Client
}

// NewGatewayRedeemerFromEnv configures the gateway client from
// CHAIN_GATEWAY_URL and CHAIN_GATEWAY_API_KEY.
func NewGatewayRedeemerFromEnv() *GatewayRedeemer {
	return &GatewayRedeemer{
		BaseURL: strings.TrimRight(env.GetEnv("CHAIN_GATEWAY_URL", "http://localhost:8575"), "/"),
		APIKey:  strings.TrimSpace(env.GetEnv("CHAIN_GATEWAY_API_KEY", "")),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type gatewaySubmitRequest struct {
	DelegationUUID string `json:"delegation_uuid"`
	Delegate       string `json:"delegate_address"`
	Delegator      string `json:"delegator_address"`
	Authority      string `json:"authority"`
	Signature      string `json:"signature"`
	CaveatsJSON    string `json:"caveats"`
	Recipient      string `json:"recipient"`
	TokenAddress   string `json:"token_address"`
	Network        string `json:"network"`
	Amount         int64  `json:"amount"`
}

type gatewaySubmitResponse struct {
	TxHash       string `json:"tx_hash"`
	Status       string `json:"status"`
	RevertReason string `json:"revert_reason"`
	Error        string `json:"error"`
}

// Submit posts the redemption to the gateway and maps its response onto the
// ledger's error taxonomy: status "reverted" becomes a RevertError, context
// expiry becomes ErrSubmitTimeout.
func (g *GatewayRedeemer) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	body, err := json.Marshal(gatewaySubmitRequest{
		DelegationUUID: req.Delegation.UUID,
		Delegate:       req.Delegation.DelegateAddress,
		Delegator:      req.Delegation.DelegatorAddress,
		Authority:      req.Delegation.Authority,
		Signature:      req.Delegation.Signature,
		CaveatsJSON:    req.Delegation.CaveatsJSON,
		Recipient:      req.Recipient,
		TokenAddress:   req.TokenAddress,
		Network:        req.Network,
		Amount:         req.Amount,
	})
	if err != nil {
		return nil, fmt.Errorf("encode submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/v1/redemptions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.APIKey)
	}

	resp, err := g.HTTPClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, ErrSubmitTimeout
		}
		return nil, fmt.Errorf("chain gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}

	var decoded gatewaySubmitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid gateway response (status %d): %w", resp.StatusCode, err)
	}

	if decoded.Status == "reverted" {
		return nil, &RevertError{TxHash: decoded.TxHash, Reason: decoded.RevertReason}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := decoded.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, fmt.Errorf("chain gateway rejected submission (status %d): %s", resp.StatusCode, msg)
	}
	if decoded.TxHash == "" {
		return nil, errors.New("chain gateway returned no transaction hash")
	}
	return &SubmitResult{TxHash: decoded.TxHash}, nil
}
