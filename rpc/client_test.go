package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nodedash/internal/nodetest"
)

type staticAuth string

func (s staticAuth) AuthorizationHeader() (string, bool) { return string(s), s != "" }

func TestClient_RequestEnvelope(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = w.Write([]byte(`{"result":42,"error":null,"id":"x"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticAuth("Basic abc"))
	raw, err := c.Call(context.Background(), "getblockcount", nil)
	require.NoError(t, err)
	assert.JSONEq(t, "42", string(raw))

	assert.Equal(t, "/", gotPath)
	assert.Equal(t, "Basic abc", gotAuth)
	assert.Equal(t, "1.0", gotBody["jsonrpc"])
	assert.Equal(t, "getblockcount", gotBody["method"])
	assert.Equal(t, []any{}, gotBody["params"], "nil params are sent as an empty array")
	assert.NotEmpty(t, gotBody["id"])
}

func TestClient_WalletScope(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"result":null,"error":null,"id":"x"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticAuth("Basic abc"))
	_, err := c.Call(context.Background(), "getwalletinfo", nil, WithWallet("u_7"))
	require.NoError(t, err)
	assert.Equal(t, "/wallet/u_7", gotPath)

	_, err = c.Call(context.Background(), "getwalletinfo", nil, WithWallet("a b"))
	require.NoError(t, err)
	assert.Equal(t, "/wallet/a%20b", gotPath)
}

func TestClient_AuthUnavailableSendsNothing(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	c := NewClient(srv.URL, staticAuth(""))
	_, err := c.Call(context.Background(), "getblockchaininfo", nil)
	require.ErrorIs(t, err, ErrAuthUnavailable)
	assert.Zero(t, hits)
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticAuth("Basic abc"))
	_, err := c.Call(context.Background(), "getblockchaininfo", nil)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
	assert.Equal(t, "nope", te.Body)
	_, ok := ErrorCode(err)
	assert.False(t, ok)
}

func TestClient_RPCErrorCodeOnErrorStatus(t *testing.T) {
	node := nodetest.New("bc2", "pw")
	srv := node.Server()
	defer srv.Close()

	c := NewClient(srv.URL, NewCookieAuth("", "bc2", "pw"))
	_, err := c.Call(context.Background(), "loadwallet", []any{"u_1"})
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te), "non-2xx is a transport error")
	assert.True(t, HasCode(err, CodeWalletNotFound))

	var re *RPCError
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.Message, "Path does not exist")
}

func TestClient_RPCErrorOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":null,"error":{"code":-35,"message":"already loaded"},"id":"x"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticAuth("Basic abc"))
	_, err := c.Call(context.Background(), "loadwallet", []any{"u_1"})

	var re *RPCError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, CodeWalletAlreadyLoaded, re.Code)
	assert.JSONEq(t, `{"code":-35,"message":"already loaded"}`, string(re.Raw))
	assert.Equal(t, `RPC error: {"code":-35,"message":"already loaded"}`, re.Error())
}

func TestClient_BareStringError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":null,"error":"boom","id":"x"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, staticAuth("Basic abc")).Call(context.Background(), "x", nil)
	var re *RPCError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "boom", re.Message)
	assert.Zero(t, re.Code)
}

func TestClient_CallResultDecodes(t *testing.T) {
	node := nodetest.New("bc2", "pw")
	srv := node.Server()
	defer srv.Close()

	c := NewClient(srv.URL, NewCookieAuth("", "bc2", "pw"))
	var info BlockchainInfo
	require.NoError(t, c.CallResult(context.Background(), "getblockchaininfo", nil, &info))
	assert.Equal(t, "main", info.Chain)
	assert.Equal(t, node.Tip(), info.Blocks)

	var wrong []string
	err := c.CallResult(context.Background(), "getblockchaininfo", nil, &wrong)
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "getblockchaininfo", de.Method)
}

func TestClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, staticAuth("Basic abc")).Call(context.Background(), "x", nil)
	var de *DecodeError
	assert.True(t, errors.As(err, &de))
}

func TestTimestamp_JSON(t *testing.T) {
	b, err := json.Marshal(TimestampNow)
	require.NoError(t, err)
	assert.Equal(t, `"now"`, string(b))

	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`1700000000`), &ts))
	assert.Equal(t, Timestamp{Unix: 1700000000}, ts)
	require.NoError(t, json.Unmarshal([]byte(`"now"`), &ts))
	assert.True(t, ts.Now)
	assert.Error(t, json.Unmarshal([]byte(`"later"`), &ts))
}

func TestScanResult_FieldSpellings(t *testing.T) {
	var r ScanResult
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"unspents":[{"txid":"aa","vout":1,"value":0.5}],"total":0.5}`), &r))
	require.Len(t, r.Unspents, 1)
	assert.Equal(t, 0.5, r.Unspents[0].Amount)
	assert.Equal(t, 0.5, r.TotalAmount)

	var empty ScanResult
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"totalamount":0}`), &empty))
	assert.NotNil(t, empty.Unspents)
	assert.Empty(t, empty.Unspents)
}
