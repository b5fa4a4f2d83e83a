package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chainbillhq/chainbill/app/models"
)

func gatewayRequest() SubmitRequest {
	return SubmitRequest{
		Delegation: models.DelegationRecord{
			UUID:             "d-uuid",
			DelegateAddress:  "0x1111111111111111111111111111111111111111",
			DelegatorAddress: "0x2222222222222222222222222222222222222222",
			Authority:        "root",
			CaveatsJSON:      `[{"kind":"max_amount","max_amount":1000}]`,
			Signature:        "0xsigned",
		},
		Recipient:    "0x3333333333333333333333333333333333333333",
		TokenAddress: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		Network:      "base",
		Amount:       10_000_000,
	}
}

func newGateway(server *httptest.Server) *GatewayRedeemer {
	return &GatewayRedeemer{
		BaseURL:    server.URL,
		APIKey:     "gateway-key",
		HTTPClient: server.Client(),
	}
}

func TestGatewaySubmitSuccess(t *testing.T) {
	var captured gatewaySubmitRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/redemptions" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(gatewaySubmitResponse{TxHash: "0xabc123", Status: "submitted"})
	}))
	defer server.Close()

	result, err := newGateway(server).Submit(context.Background(), gatewayRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if result.TxHash != "0xabc123" {
		t.Fatalf("tx hash = %q, want 0xabc123", result.TxHash)
	}
	if auth != "Bearer gateway-key" {
		t.Fatalf("authorization = %q", auth)
	}
	if captured.DelegationUUID != "d-uuid" || captured.Amount != 10_000_000 || captured.Network != "base" {
		t.Fatalf("request body mismatch: %+v", captured)
	}
}

func TestGatewaySubmitRevert(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gatewaySubmitResponse{
			TxHash:       "0xdead",
			Status:       "reverted",
			RevertReason: "transfer amount exceeds allowance",
		})
	}))
	defer server.Close()

	_, err := newGateway(server).Submit(context.Background(), gatewayRequest())
	var revert *RevertError
	if !errors.As(err, &revert) {
		t.Fatalf("expected RevertError, got: %v", err)
	}
	if revert.TxHash != "0xdead" || revert.Reason != "transfer amount exceeds allowance" {
		t.Fatalf("revert fields: %+v", revert)
	}
}

func TestGatewaySubmitRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(gatewaySubmitResponse{Error: "unsupported network"})
	}))
	defer server.Close()

	_, err := newGateway(server).Submit(context.Background(), gatewayRequest())
	if err == nil {
		t.Fatal("non-2xx must be an error")
	}
}

func TestGatewaySubmitMissingHash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(gatewaySubmitResponse{Status: "submitted"})
	}))
	defer server.Close()

	_, err := newGateway(server).Submit(context.Background(), gatewayRequest())
	if err == nil {
		t.Fatal("a success without a hash must be an error")
	}
}

func TestGatewaySubmitTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newGateway(server).Submit(ctx, gatewayRequest())
	if !errors.Is(err, ErrSubmitTimeout) {
		t.Fatalf("expected ErrSubmitTimeout, got: %v", err)
	}
}
