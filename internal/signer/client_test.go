package signer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExecuteReturnsTxHash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/wallets/w1/execute" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var req ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.SessionKeyID != "sk-1" {
			t.Fatalf("session key not forwarded: %q", req.SessionKeyID)
		}
		json.NewEncoder(w).Encode(Result{TxID: "tx-1", TxHash: "0xdead"})
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	res, err := client.Execute(context.Background(), ExecuteRequest{
		WalletID:     "w1",
		Function:     "transfer(address,uint256)",
		SessionKeyID: "sk-1",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.TxHash != "0xdead" || res.NeedsApproval() {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestExecuteReturnsChallenge(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(Result{ChallengeID: "ch-1"})
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	res, err := client.Execute(context.Background(), ExecuteRequest{WalletID: "w1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.NeedsApproval() || res.ChallengeID != "ch-1" {
		t.Fatalf("expected challenge result, got %+v", res)
	}
}

func TestErrorResponsesSurface(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(Result{Error: "upstream unavailable"})
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.SignTypedData(context.Background(), SignRequest{WalletID: "w1", Digest: "0x00"}); err == nil ||
		!strings.Contains(err.Error(), "upstream unavailable") {
		t.Fatalf("expected surfaced service error, got %v", err)
	}
}
