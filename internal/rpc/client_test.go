package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const testGenSig = "6ec823b5fd86c4aee9f270c3cbb2b0b12c03198c463be53aab8a8b67a180b547"

// mockWalletServer creates a test server answering the wallet HTTP API.
// The handler gets the parsed request parameters and returns the JSON
// response body.
func mockWalletServer(t *testing.T, handler func(requestType string, params map[string]string) interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/burst" {
			if t != nil {
				t.Errorf("Path = %s, want /burst", r.URL.Path)
			}
		}

		if err := r.ParseForm(); err != nil {
			if t != nil {
				t.Errorf("Failed to parse form: %v", err)
			}
			return
		}

		params := make(map[string]string)
		for k := range r.Form {
			params[k] = r.Form.Get(k)
		}

		resp := handler(params["requestType"], params)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:8125/", 30*time.Second)

	if client == nil {
		t.Fatal("NewClient returned nil")
	}

	if client.url != "http://localhost:8125" {
		t.Errorf("url = %s, want trailing slash stripped", client.url)
	}

	if !client.Healthy() {
		t.Error("Client should be healthy initially")
	}
}

func TestGetMiningInfo(t *testing.T) {
	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		if requestType != "getMiningInfo" {
			t.Errorf("requestType = %s, want getMiningInfo", requestType)
		}
		return map[string]string{
			"generationSignature": testGenSig,
			"baseTarget":          "70312",
			"height":              "123456",
		}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)
	ctx := context.Background()

	info, err := client.GetMiningInfo(ctx)
	if err != nil {
		t.Fatalf("GetMiningInfo failed: %v", err)
	}

	if info.GenerationSignature != testGenSig {
		t.Errorf("GenerationSignature = %s, want %s", info.GenerationSignature, testGenSig)
	}

	if info.BaseTarget != 70312 {
		t.Errorf("BaseTarget = %d, want 70312", info.BaseTarget)
	}

	if info.Height != 123456 {
		t.Errorf("Height = %d, want 123456", info.Height)
	}
}

func TestGetMiningInfoBadGenSig(t *testing.T) {
	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		return map[string]string{
			"generationSignature": "nothex",
			"baseTarget":          "70312",
			"height":              "123456",
		}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)

	if _, err := client.GetMiningInfo(context.Background()); err == nil {
		t.Error("GetMiningInfo should reject a malformed generation signature")
	}
}

func TestWalletError(t *testing.T) {
	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		return map[string]interface{}{
			"errorCode":        4,
			"errorDescription": "Unknown account",
		}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)

	_, err := client.GetAccountName(context.Background(), 12345)
	if err == nil {
		t.Fatal("GetAccountName should surface the wallet error")
	}

	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("error type = %T, want *apiError", err)
	}

	if apiErr.ErrorCode != 4 {
		t.Errorf("ErrorCode = %d, want 4", apiErr.ErrorCode)
	}
}

func TestGetAccountsWithRewardRecipient(t *testing.T) {
	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		if requestType != "getAccountsWithRewardRecipient" {
			t.Errorf("requestType = %s, want getAccountsWithRewardRecipient", requestType)
		}
		if params["account"] != "8888888888888888888" {
			t.Errorf("account = %s, want 8888888888888888888", params["account"])
		}
		return map[string]interface{}{
			"accounts": []string{"123", "-8164388876857787551", "garbage", "456"},
		}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)

	accounts, err := client.GetAccountsWithRewardRecipient(context.Background(), 8888888888888888888)
	if err != nil {
		t.Fatalf("GetAccountsWithRewardRecipient failed: %v", err)
	}

	// The unparseable entry is skipped, signed IDs are reinterpreted.
	want := []uint64{123, 10282355196851764065, 456}
	if len(accounts) != len(want) {
		t.Fatalf("len(accounts) = %d, want %d", len(accounts), len(want))
	}
	for i, id := range want {
		if accounts[i] != id {
			t.Errorf("accounts[%d] = %d, want %d", i, accounts[i], id)
		}
	}
}

func TestSubmitNonce(t *testing.T) {
	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		if requestType != "submitNonce" {
			t.Errorf("requestType = %s, want submitNonce", requestType)
		}
		if params["secretPhrase"] != "pool passphrase" {
			t.Errorf("secretPhrase = %s, want pool passphrase", params["secretPhrase"])
		}
		if params["nonce"] != "42" {
			t.Errorf("nonce = %s, want 42", params["nonce"])
		}
		return map[string]string{
			"result":   "success",
			"deadline": "1337",
		}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)

	deadline, err := client.SubmitNonce(context.Background(), "pool passphrase", 42, 999)
	if err != nil {
		t.Fatalf("SubmitNonce failed: %v", err)
	}

	if deadline != 1337 {
		t.Errorf("deadline = %d, want 1337", deadline)
	}
}

func TestSubmitNonceRejected(t *testing.T) {
	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		return map[string]string{"result": "rejected"}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)

	if _, err := client.SubmitNonce(context.Background(), "p", 1, 2); err == nil {
		t.Error("SubmitNonce should fail when the node does not report success")
	}
}

func TestGetBlock(t *testing.T) {
	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		if requestType != "getBlock" {
			t.Errorf("requestType = %s, want getBlock", requestType)
		}
		if params["height"] != "500000" {
			t.Errorf("height = %s, want 500000", params["height"])
		}
		return map[string]interface{}{
			"block":       "13372480407415288942",
			"height":      uint64(500000),
			"generator":   "123456789",
			"nonce":       "987654",
			"blockReward": "735",
			"totalFeeNQT": "12345678",
		}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)

	block, err := client.GetBlock(context.Background(), 500000)
	if err != nil {
		t.Fatalf("GetBlock failed: %v", err)
	}

	if block.BlockID != 13372480407415288942 {
		t.Errorf("BlockID = %d, want 13372480407415288942", block.BlockID)
	}

	if block.Generator != 123456789 {
		t.Errorf("Generator = %d, want 123456789", block.Generator)
	}

	if block.Nonce != 987654 {
		t.Errorf("Nonce = %d, want 987654", block.Nonce)
	}

	// 735 coins plus the transaction fees, in planck.
	wantReward := int64(735)*100000000 + 12345678
	if block.BlockReward != wantReward {
		t.Errorf("BlockReward = %d, want %d", block.BlockReward, wantReward)
	}
}

func TestGetBlockHeightMismatch(t *testing.T) {
	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		return map[string]interface{}{
			"block":       "1",
			"height":      uint64(499999),
			"generator":   "1",
			"nonce":       "1",
			"blockReward": "735",
			"totalFeeNQT": "0",
		}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)

	if _, err := client.GetBlock(context.Background(), 500000); err == nil {
		t.Error("GetBlock should reject a height mismatch")
	}
}

func TestGenerateMultiOutTransaction(t *testing.T) {
	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		if requestType != "sendMoneyMulti" {
			t.Errorf("requestType = %s, want sendMoneyMulti", requestType)
		}
		if params["broadcast"] != "false" {
			t.Errorf("broadcast = %s, want false", params["broadcast"])
		}
		if params["recipients"] != "5:200;10:100" {
			t.Errorf("recipients = %s, want 5:200;10:100", params["recipients"])
		}
		return map[string]string{
			"unsignedTransactionBytes": "deadbeef",
		}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)

	unsigned, err := client.GenerateMultiOutTransaction(context.Background(), []byte{0x01, 0x02}, 73500000, 1440, map[uint64]int64{
		10: 100,
		5:  200,
	})
	if err != nil {
		t.Fatalf("GenerateMultiOutTransaction failed: %v", err)
	}

	if len(unsigned) != 4 {
		t.Errorf("len(unsigned) = %d, want 4", len(unsigned))
	}
}

func TestGenerateMultiOutTooFewRecipients(t *testing.T) {
	client := NewClient("http://localhost:8125", time.Second)

	_, err := client.GenerateMultiOutTransaction(context.Background(), nil, 73500000, 1440, map[uint64]int64{5: 100})
	if err == nil {
		t.Error("GenerateMultiOutTransaction should reject a single recipient")
	}
}

func TestBroadcastTransaction(t *testing.T) {
	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		if requestType != "broadcastTransaction" {
			t.Errorf("requestType = %s, want broadcastTransaction", requestType)
		}
		if params["transactionBytes"] != "cafe" {
			t.Errorf("transactionBytes = %s, want cafe", params["transactionBytes"])
		}
		return map[string]string{"transaction": "777"}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)

	txID, err := client.BroadcastTransaction(context.Background(), []byte{0xca, 0xfe})
	if err != nil {
		t.Fatalf("BroadcastTransaction failed: %v", err)
	}

	if txID != 777 {
		t.Errorf("txID = %d, want 777", txID)
	}
}

func TestConnectionError(t *testing.T) {
	client := NewClient("http://localhost:19999", time.Second)

	_, err := client.GetMiningInfo(context.Background())
	if err == nil {
		t.Error("GetMiningInfo should fail with a connection error")
	}

	if client.Healthy() {
		t.Error("Client should be unhealthy after a failed request")
	}

	_, fail := client.Stats()
	if fail == 0 {
		t.Error("Fail count should be incremented")
	}
}

func TestContextCancellation(t *testing.T) {
	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		time.Sleep(5 * time.Second)
		return map[string]string{}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := client.GetMiningInfo(ctx); err == nil {
		t.Error("GetMiningInfo should fail with context timeout")
	}
}

func TestConcurrentCalls(t *testing.T) {
	var mu sync.Mutex
	callCount := 0

	server := mockWalletServer(t, func(requestType string, params map[string]string) interface{} {
		mu.Lock()
		callCount++
		mu.Unlock()
		return map[string]string{
			"generationSignature": testGenSig,
			"baseTarget":          "70312",
			"height":              "1",
		}
	})
	defer server.Close()

	client := NewClient(server.URL, 30*time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.GetMiningInfo(ctx)
		}()
	}
	wg.Wait()

	mu.Lock()
	if callCount != 10 {
		t.Errorf("Call count = %d, want 10", callCount)
	}
	mu.Unlock()
}
