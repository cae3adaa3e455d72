package ethereum

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

// newRPCServer answers the JSON-RPC methods the client uses.
func newRPCServer(t *testing.T, balances map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		var result any
		switch req.Method {
		case "eth_chainId":
			result = "0x1"
		case "eth_blockNumber":
			result = "0x10"
		case "eth_getBalance":
			addr, _ := req.Params[0].(string)
			value, ok := balances[strings.ToLower(addr)]
			if !ok {
				value = "0x0"
			}
			result = value
		default:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error when rpc url is missing")
	}
}

func TestClientBalanceAndSnapshot(t *testing.T) {
	vault := "0x00000000000000000000000000000000000000aa"
	// 2.5 ether
	srv := newRPCServer(t, map[string]string{vault: "0x22b1c8c1227a0000"})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ctx, Config{Name: "ethereum", RPCURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	defer client.Close()

	balance, err := client.Balance(ctx, "u-1", vault)
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("unexpected balance %s", balance)
	}

	snap, err := client.FetchSnapshot(ctx)
	if err != nil {
		t.Fatalf("FetchSnapshot returned error: %v", err)
	}
	if snap.ChainID != "0x1" || snap.BlockNumber != "0x10" || snap.Name != "ethereum" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestClientRejectsInvalidAddress(t *testing.T) {
	srv := newRPCServer(t, nil)
	defer srv.Close()

	client, err := NewClient(context.Background(), Config{RPCURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	defer client.Close()
	if _, err := client.Balance(context.Background(), "u-1", "not-an-address"); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestClosedClient(t *testing.T) {
	srv := newRPCServer(t, nil)
	defer srv.Close()

	client, err := NewClient(context.Background(), Config{RPCURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	client.Close()
	if _, err := client.FetchSnapshot(context.Background()); err == nil {
		t.Fatalf("expected error after Close")
	}
}

func TestWeiToEther(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	if got := WeiToEther(wei); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected conversion %s", got)
	}
	if !WeiToEther(nil).IsZero() {
		t.Fatalf("nil wei should convert to zero")
	}
}
