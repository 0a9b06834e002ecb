//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mr-tron/base58"

	"github.com/sells-group/chainsync/internal/config"
	"github.com/sells-group/chainsync/internal/discovery"
)

const (
	testProgram = "11111111111111111111111111111111"
	testOwner   = "Vote111111111111111111111111111111111111111"
)

// testAddress returns a distinct valid account address for i.
func testAddress(i int) string {
	return base58.Encode(bytes.Repeat([]byte{byte(i + 1)}, 32))
}

// fakeRPC serves the JSON-RPC methods the pipeline uses. accounts maps
// address to raw account data for getProgramAccounts.
type fakeRPC struct {
	*httptest.Server
	accounts map[string][]byte
	calls    atomic.Int64
}

func newFakeRPC(t *testing.T, accounts map[string][]byte) *fakeRPC {
	t.Helper()
	f := &fakeRPC{accounts: accounts}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var result any
		switch req.Method {
		case "getSlot":
			result = 4242
		case "getProgramAccounts":
			list := make([]map[string]any, 0, len(f.accounts))
			for addr, data := range f.accounts {
				list = append(list, map[string]any{
					"pubkey":  addr,
					"account": accountJSON(data),
				})
			}
			result = list
		case "getAccountInfo":
			result = map[string]any{
				"context": map[string]any{"slot": 4242},
				"value":   accountJSON([]byte{1, 2, 3}),
			}
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(f.Close)
	return f
}

func accountJSON(data []byte) map[string]any {
	return map[string]any{
		"lamports":   1000,
		"owner":      testOwner,
		"data":       []string{base64.StdEncoding.EncodeToString(data), "base64"},
		"executable": false,
		"rentEpoch":  0,
	}
}

// accountData is a discriminator for name followed by a payload.
func accountData(name string) []byte {
	d := discovery.AnchorDiscriminator(name)
	return append(d[:], 0xAA, 0xBB)
}

// testConfig returns a valid in-memory config pointed at rpcURLs with no
// pacing delays.
func testConfig(rpcURLs ...string) *config.Config {
	c := &config.Config{}
	for i, u := range rpcURLs {
		c.RPC.Endpoints = append(c.RPC.Endpoints, config.EndpointConfig{URL: u, Priority: i + 1})
	}
	c.RPC.RequestTimeoutSecs = 5
	c.RPC.MaxRetries = 2
	c.RPC.StaleAfterSecs = 600
	c.RPC.Commitment = "confirmed"
	c.RPC.Backoff = config.BackoffConfig{InitialMs: 1, MaxMs: 5, RateLimitedInitialMs: 1, Multiplier: 2}
	c.Breaker = config.BreakerConfig{FailureThreshold: 5, ResetTimeoutMs: 30000, SuccessThreshold: 2}
	c.RateLimit = config.RateLimitConfig{Reservoir: 100, RefillIntervalMs: 1000, MaxConcurrent: 5}
	c.Discovery = config.DiscoveryConfig{
		ProgramID: testProgram,
		BatchSize: 3,
		Accounts:  []config.AccountConfig{{Name: "Pool"}, {Name: "Position"}},
	}
	c.Enrichment = config.EnrichmentConfig{
		IntervalSecs:   300,
		BatchSize:      50,
		RecordKind:     "account",
		SentinelFields: []string{"owner"},
		Priority:       10,
		MaxAttempts:    3,
	}
	c.Writer = config.WriterConfig{BatchSize: 50, PollIntervalSecs: 1}
	c.Store.Driver = "memory"
	c.Queue = config.QueueConfig{Driver: "memory", Exchange: "chainsync"}
	c.Monitoring = config.MonitoringConfig{CheckIntervalSecs: 60, ErrorRateThreshold: 0.5, MinRequests: 20, DeadLetterThreshold: 100}
	c.Server.Port = 8080
	c.Log = config.LogConfig{Level: "info", Format: "json"}
	return c
}

func testEnv(t *testing.T, c *config.Config) *syncEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	env, err := initEnv(ctx, c, envOptions{})
	if err != nil {
		cancel()
		t.Fatalf("initEnv: %v", err)
	}
	t.Cleanup(env.Close)
	t.Cleanup(cancel)
	return env
}
