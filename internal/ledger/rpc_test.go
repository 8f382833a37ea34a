package ledger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"drainscan/internal/config"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func newFakeNode(t *testing.T, handler func(req rpcRequest) interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  handler(req),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

const testAddress = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

func TestRPCProvider_ListSignatures(t *testing.T) {
	sigA := solana.Signature{1}.String()
	sigB := solana.Signature{2}.String()
	var seenMethod string
	var seenOpts map[string]interface{}

	srv := newFakeNode(t, func(req rpcRequest) interface{} {
		seenMethod = req.Method
		if len(req.Params) > 1 {
			_ = json.Unmarshal(req.Params[1], &seenOpts)
		}
		return []map[string]interface{}{
			{"signature": sigA, "slot": 200, "err": nil, "blockTime": 1700000100, "confirmationStatus": "confirmed"},
			{"signature": sigB, "slot": 100, "err": map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}, "blockTime": nil},
		}
	})

	p := NewRPCProvider(&config.NodeConfig{Name: "fake", URL: srv.URL}, "confirmed", time.Second, quietLogger())
	infos, err := p.ListSignatures(context.Background(), testAddress, 50, solana.Signature{9}.String())
	require.NoError(t, err)

	assert.Equal(t, "getSignaturesForAddress", seenMethod)
	assert.EqualValues(t, 50, seenOpts["limit"])
	assert.Equal(t, solana.Signature{9}.String(), seenOpts["before"])

	require.Len(t, infos, 2)
	assert.Equal(t, sigA, infos[0].Signature)
	assert.EqualValues(t, 200, infos[0].Slot)
	require.NotNil(t, infos[0].BlockTime)
	assert.EqualValues(t, 1700000100, *infos[0].BlockTime)
	assert.False(t, infos[0].Failed)
	assert.True(t, infos[1].Failed)
	assert.Nil(t, infos[1].BlockTime)
}

func TestRPCProvider_RateLimitedNode(t *testing.T) {
	var calls int
	srv := newFakeNode(t, func(req rpcRequest) interface{} {
		calls++
		return []map[string]interface{}{}
	})

	p := NewRPCProvider(&config.NodeConfig{Name: "limited", URL: srv.URL, RateLimit: 50}, "confirmed", time.Second, quietLogger())
	require.NotNil(t, p.Client())

	for i := 0; i < 3; i++ {
		infos, err := p.ListSignatures(context.Background(), testAddress, 10, "")
		require.NoError(t, err)
		assert.Empty(t, infos)
	}
	assert.Equal(t, 3, calls)
}

func TestRPCProvider_ListSignatures_InvalidAddress(t *testing.T) {
	p := NewRPCProvider(&config.NodeConfig{Name: "fake", URL: "http://127.0.0.1:1"}, "", 0, quietLogger())
	_, err := p.ListSignatures(context.Background(), "not-an-address", 10, "")
	assert.Error(t, err)
}

func TestRPCProvider_FetchTransactions(t *testing.T) {
	found := solana.Signature{3}.String()
	missing := solana.Signature{4}.String()
	var encodings []string

	srv := newFakeNode(t, func(req rpcRequest) interface{} {
		var sig string
		_ = json.Unmarshal(req.Params[0], &sig)
		var opts map[string]interface{}
		_ = json.Unmarshal(req.Params[1], &opts)
		encodings = append(encodings, opts["encoding"].(string))
		if sig == missing {
			return nil
		}
		return map[string]interface{}{
			"slot":      321,
			"blockTime": 1700000000,
			"meta":      map[string]interface{}{"err": nil, "fee": 5000},
			"transaction": map[string]interface{}{
				"signatures": []string{sig},
			},
		}
	})

	p := NewRPCProvider(&config.NodeConfig{Name: "fake", URL: srv.URL}, "confirmed", time.Second, quietLogger())
	records, err := p.FetchTransactions(context.Background(), []string{found, missing})
	require.NoError(t, err)

	require.Len(t, records, 1)
	assert.Equal(t, found, records[0].Signature)
	assert.EqualValues(t, 321, records[0].Slot)
	require.NotNil(t, records[0].BlockTime)
	assert.EqualValues(t, 1700000000, *records[0].BlockTime)
	assert.Contains(t, string(records[0].Data), "signatures")
	assert.Equal(t, []string{"jsonParsed", "jsonParsed"}, encodings)
}

func TestRPCProvider_FetchTransactions_CancelledContext(t *testing.T) {
	p := NewRPCProvider(&config.NodeConfig{Name: "fake", URL: "http://127.0.0.1:1"}, "", time.Second, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records, err := p.FetchTransactions(ctx, []string{solana.Signature{1}.String()})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, records)
}
