// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package chain

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/crypto"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestSimulated_DeterministicTxRef(t *testing.T) {
	sim := NewSimulatedClient(0)
	ctx := context.Background()

	ref1, err := sim.Submit(ctx, Submission{DataHash: "abc", ProofHash: "p1"})
	require.NoError(t, err)
	ref2, err := sim.Submit(ctx, Submission{DataHash: "abc", ProofHash: "p2"})
	require.NoError(t, err)
	other, err := sim.Submit(ctx, Submission{DataHash: "def"})
	require.NoError(t, err)

	assert.Equal(t, ref1, ref2)
	assert.NotEqual(t, ref1, other)
	assert.Equal(t, "0x"+crypto.SHA256Hex([]byte("sim:abc")), ref1)
	assert.Equal(t, int64(3), sim.Submits())
}

func TestSimulated_ConfirmsAfterDelay(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	sim := NewSimulatedClient(5 * time.Second).WithClock(clock.Now)
	ctx := context.Background()

	ref, err := sim.Submit(ctx, Submission{DataHash: "h1"})
	require.NoError(t, err)

	r, err := sim.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)

	clock.Advance(5 * time.Second)
	r, err = sim.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, r.Status)
	assert.Equal(t, uint64(1), r.BlockNumber)

	again, err := sim.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, r.BlockNumber, again.BlockNumber, "block stays stable once confirmed")

	ref2, err := sim.Submit(ctx, Submission{DataHash: "h2"})
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	r2, err := sim.Status(ctx, ref2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r2.BlockNumber)

	head, err := sim.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)
}

func TestSimulated_UnknownRefStartsAtFirstLookup(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	sim := NewSimulatedClient(time.Second).WithClock(clock.Now)
	ctx := context.Background()

	ref := SimTxRef("restarted")
	r, err := sim.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)

	clock.Advance(time.Second)
	r, err = sim.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, r.Status)

	_, err = sim.Status(ctx, "garbage")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSimulated_FailureInjection(t *testing.T) {
	sim := NewSimulatedClient(0)
	ctx := context.Background()

	sim.FailNextSubmits(2)
	for i := 0; i < 2; i++ {
		_, err := sim.Submit(ctx, Submission{DataHash: "x"})
		assert.Equal(t, apperr.KindChainUnavailable, apperr.KindOf(err))
	}
	_, err := sim.Submit(ctx, Submission{DataHash: "x"})
	assert.NoError(t, err)

	sim.SetFailAll(true)
	_, err = sim.Submit(ctx, Submission{DataHash: "y"})
	assert.Equal(t, apperr.KindChainUnavailable, apperr.KindOf(err))
	assert.Error(t, sim.Ping(ctx))
	sim.SetFailAll(false)
	assert.NoError(t, sim.Ping(ctx))

	sim.SetReject(true)
	ref, err := sim.Submit(ctx, Submission{DataHash: "z"})
	require.NoError(t, err)
	r, err := sim.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, r.Status)
}

func TestNew_SelectsMode(t *testing.T) {
	c, err := New(config.ChainConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeSimulated, c.Mode())

	c, err = New(config.ChainConfig{RPCURL: "http://localhost:8545"}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeSimulated, c.Mode(), "no signing key forces simulation")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	c, err = New(config.ChainConfig{RPCURL: "http://localhost:8545", SigningKey: crypto.KeyToString(key)}, nil)
	require.NoError(t, err)
	assert.Equal(t, ModeLive, c.Mode())
}

// gateway is a fake JSON-RPC endpoint
type gateway struct {
	t        *testing.T
	key      []byte
	token    string
	mu       sync.Mutex
	calls    map[string]int
	handlers map[string]func(call int, params []json.RawMessage) (int, string)
}

func newGateway(t *testing.T, key []byte, token string) *gateway {
	return &gateway{
		t:        t,
		key:      key,
		token:    token,
		calls:    make(map[string]int),
		handlers: make(map[string]func(int, []json.RawMessage) (int, string)),
	}
}

func (g *gateway) count(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[method]
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	assert.NoError(g.t, err)

	assert.Equal(g.t, "Bearer "+g.token, r.Header.Get("Authorization"))
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	assert.NoError(g.t, err)
	assert.True(g.t, crypto.Verify(g.key, ts, body, r.Header.Get(HeaderSignature)), "signature must verify")

	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	assert.NoError(g.t, json.Unmarshal(body, &req))

	g.mu.Lock()
	g.calls[req.Method]++
	call := g.calls[req.Method]
	handler := g.handlers[req.Method]
	g.mu.Unlock()

	if handler == nil {
		http.Error(w, "no handler", http.StatusNotFound)
		return
	}
	status, payload := handler(call, req.Params)
	if status != http.StatusOK {
		http.Error(w, payload, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":`+strconv.FormatUint(req.ID, 10)+`,`+payload+`}`)
}

func newLiveTestClient(t *testing.T, g *gateway, attempts int) *LiveClient {
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return NewLiveClient(LiveOptions{
		URL:           srv.URL,
		AuthToken:     g.token,
		SigningKey:    g.key,
		FromAddress:   "0xfeed",
		Timeout:       200 * time.Millisecond,
		MaxAttempts:   attempts,
		RetryInterval: time.Millisecond,
		Logger:        logging.Discard(),
	})
}

func TestLive_SubmitAndStatus(t *testing.T) {
	g := newGateway(t, []byte("0123456789abcdef0123456789abcdef"), "tok")
	g.handlers["eth_sendTransaction"] = func(_ int, params []json.RawMessage) (int, string) {
		var tx map[string]string
		assert.NoError(t, json.Unmarshal(params[0], &tx))
		assert.Equal(t, "0xfeed", tx["from"])
		assert.Contains(t, tx["data"], "0x")
		return http.StatusOK, `"result":"0xabc123"`
	}
	g.handlers["eth_getTransactionReceipt"] = func(call int, _ []json.RawMessage) (int, string) {
		if call == 1 {
			return http.StatusOK, `"result":null`
		}
		return http.StatusOK, `"result":{"transactionHash":"0xabc123","blockNumber":"0x1f","status":"0x1"}`
	}
	g.handlers["eth_blockNumber"] = func(int, []json.RawMessage) (int, string) {
		return http.StatusOK, `"result":"0x20"`
	}

	c := newLiveTestClient(t, g, 3)
	ctx := context.Background()

	ref, err := c.Submit(ctx, Submission{DataHash: "d", ProofHash: "p"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc123", ref)

	r, err := c.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, r.Status)

	r, err = c.Status(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, r.Status)
	assert.Equal(t, uint64(31), r.BlockNumber)

	head, err := c.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(32), head)
	assert.NoError(t, c.Ping(ctx))
}

func TestLive_RevertedReceiptIsRejected(t *testing.T) {
	g := newGateway(t, []byte("k"), "tok")
	g.handlers["eth_getTransactionReceipt"] = func(int, []json.RawMessage) (int, string) {
		return http.StatusOK, `"result":{"blockNumber":"0x2","status":"0x0"}`
	}
	c := newLiveTestClient(t, g, 1)

	r, err := c.Status(context.Background(), "0x1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, r.Status)
}

func TestLive_RetriesTransientFailures(t *testing.T) {
	g := newGateway(t, []byte("k"), "tok")
	g.handlers["eth_sendTransaction"] = func(call int, _ []json.RawMessage) (int, string) {
		if call < 3 {
			return http.StatusServiceUnavailable, "busy"
		}
		return http.StatusOK, `"result":"0xok"`
	}
	c := newLiveTestClient(t, g, 3)

	ref, err := c.Submit(context.Background(), Submission{DataHash: "d"})
	require.NoError(t, err)
	assert.Equal(t, "0xok", ref)
	assert.Equal(t, 3, g.count("eth_sendTransaction"))
}

func TestLive_ExhaustionIsUnavailable(t *testing.T) {
	g := newGateway(t, []byte("k"), "tok")
	g.handlers["eth_sendTransaction"] = func(int, []json.RawMessage) (int, string) {
		return http.StatusBadGateway, "down"
	}
	c := newLiveTestClient(t, g, 2)

	_, err := c.Submit(context.Background(), Submission{DataHash: "d"})
	assert.Equal(t, apperr.KindChainUnavailable, apperr.KindOf(err))
	assert.Equal(t, 2, g.count("eth_sendTransaction"))
}

func TestLive_RPCErrorIsRejectedWithoutRetry(t *testing.T) {
	g := newGateway(t, []byte("k"), "tok")
	g.handlers["eth_sendTransaction"] = func(int, []json.RawMessage) (int, string) {
		return http.StatusOK, `"error":{"code":-32000,"message":"insufficient funds"}`
	}
	c := newLiveTestClient(t, g, 5)

	_, err := c.Submit(context.Background(), Submission{DataHash: "d"})
	assert.Equal(t, apperr.KindChainRejected, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Equal(t, 1, g.count("eth_sendTransaction"))
}

func TestLive_ClientErrorIsRejected(t *testing.T) {
	g := newGateway(t, []byte("k"), "tok")
	g.handlers["eth_blockNumber"] = func(int, []json.RawMessage) (int, string) {
		return http.StatusUnauthorized, "bad token"
	}
	c := newLiveTestClient(t, g, 3)

	_, err := c.Head(context.Background())
	assert.Equal(t, apperr.KindChainRejected, apperr.KindOf(err))
	assert.Equal(t, 1, g.count("eth_blockNumber"))
}

func TestLive_TimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	c := NewLiveClient(LiveOptions{
		URL:           slow.URL,
		Timeout:       30 * time.Millisecond,
		MaxAttempts:   2,
		RetryInterval: time.Millisecond,
		Logger:        logging.Discard(),
	})

	_, err := c.Submit(context.Background(), Submission{DataHash: "d"})
	assert.Equal(t, apperr.KindChainUnavailable, apperr.KindOf(err))
}
