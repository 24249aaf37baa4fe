package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/nodedash/internal/nodetest"
	"github.com/jmcleod/nodedash/rpc"
	"github.com/jmcleod/nodedash/session"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *nodetest.Node) {
	t.Helper()
	n := nodetest.New("bc2", "pw")
	srv := n.Server()
	t.Cleanup(srv.Close)
	return NewService(rpc.NewClient(srv.URL, rpc.NewCookieAuth("", "bc2", "pw")), opts...), n
}

func verifiedSession(userID int64) *session.Session {
	return &session.Session{
		Token: "tok",
		User:  &session.UserRef{ID: userID, Username: "alice"},
		TOTP:  session.TOTPVerified,
	}
}

func TestNameForUser(t *testing.T) {
	assert.Equal(t, "u_1", NameForUser(1))
	assert.Equal(t, "u_42", NameForUser(42))
	assert.NotEqual(t, NameForUser(1), NameForUser(11))
}

func TestEnsureLoaded_AlreadyLoaded(t *testing.T) {
	s, n := newTestService(t)
	n.AddLoadedWallet("u_1")

	require.NoError(t, s.EnsureLoaded(context.Background(), "u_1"))
	assert.Zero(t, n.Called("loadwallet"))
	assert.Zero(t, n.Called("createwallet"))
}

func TestEnsureLoaded_LoadsFromDisk(t *testing.T) {
	s, n := newTestService(t)
	n.AddDiskWallet("u_1", false)

	require.NoError(t, s.EnsureLoaded(context.Background(), "u_1"))
	assert.Equal(t, 1, n.Called("loadwallet"))
	assert.Zero(t, n.Called("listwalletdir"))
}

func TestEnsureLoaded_AlreadyLoadedRace(t *testing.T) {
	s, n := newTestService(t)
	// listwallets misses it but loadwallet reports -35.
	n.Handle("listwallets", func(string, []json.RawMessage) (any, *nodetest.Error) {
		return []string{}, nil
	})
	n.AddLoadedWallet("u_1")

	require.NoError(t, s.EnsureLoaded(context.Background(), "u_1"))
}

func TestEnsureLoaded_Missing(t *testing.T) {
	s, n := newTestService(t)
	err := s.EnsureLoaded(context.Background(), "u_1")
	assert.ErrorIs(t, err, ErrWalletMissing)
	assert.Equal(t, 1, n.Called("listwalletdir"))
	assert.Zero(t, n.Called("createwallet"))
}

func TestEnsureLoaded_OnDiskButBroken(t *testing.T) {
	s, n := newTestService(t)
	n.AddDiskWallet("u_1", true)

	err := s.EnsureLoaded(context.Background(), "u_1")
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "u_1", loadErr.Wallet)
	assert.False(t, errors.Is(err, ErrWalletMissing))
	assert.True(t, rpc.HasCode(err, rpc.CodeWalletNotFound))
}

func TestEnsureLoaded_OtherLoadFailure(t *testing.T) {
	s, n := newTestService(t)
	n.Handle("loadwallet", func(string, []json.RawMessage) (any, *nodetest.Error) {
		return nil, &nodetest.Error{Code: -4, Message: "Wallet already being loading"}
	})
	var loadErr *LoadError
	require.ErrorAs(t, s.EnsureLoaded(context.Background(), "u_1"), &loadErr)
	assert.Zero(t, n.Called("listwalletdir"))
}

func TestCreate(t *testing.T) {
	s, n := newTestService(t)
	ctx := context.Background()

	res, err := s.Create(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, CreateResult{Wallet: "u_1", Created: true}, res)

	calls := n.Calls()
	var params []json.RawMessage
	for _, c := range calls {
		if c.Method == "createwallet" {
			params = c.Params
		}
	}
	raw, _ := json.Marshal(params)
	assert.JSONEq(t, `["u_1",false,false,"",false,true,true,false]`, string(raw))

	res, err = s.Create(ctx, "u_1")
	require.NoError(t, err)
	assert.False(t, res.Created, "second create is a no-op")
	assert.Equal(t, 1, n.Called("createwallet"))
}

func TestCreate_NeverOverwritesBrokenWallet(t *testing.T) {
	s, n := newTestService(t)
	n.AddDiskWallet("u_1", true)

	_, err := s.Create(context.Background(), "u_1")
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Zero(t, n.Called("createwallet"))
}

func TestSummary(t *testing.T) {
	s, n := newTestService(t)
	ctx := context.Background()

	_, err := s.Summary(ctx, "u_1")
	assert.ErrorIs(t, err, ErrWalletMissing, "reads never create")
	assert.Zero(t, n.Called("createwallet"))

	_, err = s.Create(ctx, "u_1")
	require.NoError(t, err)
	sum, err := s.Summary(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Wallet: "u_1", Descriptors: true}, sum)
}

func TestNewAddressAndTransactions(t *testing.T) {
	s, n := newTestService(t)
	ctx := context.Background()
	n.AddLoadedWallet("u_1")

	addr, err := s.NewAddress(ctx, "u_1")
	require.NoError(t, err)
	assert.Equal(t, "bc1qfake0001", addr)

	txs, err := s.Transactions(ctx, "u_1", 10000)
	require.NoError(t, err)
	assert.Empty(t, txs)
	assert.NotNil(t, txs)

	last := n.Calls()[len(n.Calls())-1]
	assert.Equal(t, "listtransactions", last.Method)
	assert.Equal(t, "u_1", last.Wallet)
	raw, _ := json.Marshal(last.Params)
	assert.JSONEq(t, `["*",500,0,true]`, string(raw))
}

func TestClampTxLimit(t *testing.T) {
	assert.Equal(t, DefaultTxLimit, ClampTxLimit(0))
	assert.Equal(t, DefaultTxLimit, ClampTxLimit(-3))
	assert.Equal(t, 7, ClampTxLimit(7))
	assert.Equal(t, MaxTxLimit, ClampTxLimit(MaxTxLimit+1))
}

func TestSend(t *testing.T) {
	s, n := newTestService(t)
	ctx := context.Background()
	n.AddLoadedWallet("u_1")

	for _, bad := range []struct {
		addr string
		amt  float64
	}{{"", 1}, {"  ", 1}, {"bc1qdest", 0}, {"bc1qdest", -1}} {
		_, err := s.Send(ctx, "u_1", bad.addr, bad.amt)
		assert.ErrorIs(t, err, ErrInvalidSend, "%q %v", bad.addr, bad.amt)
	}
	assert.Zero(t, n.Called("sendtoaddress"))

	txid, err := s.Send(ctx, "u_1", " bc1qdest ", 0.123456789)
	require.NoError(t, err)
	assert.Len(t, txid, 64)

	last := n.Calls()[len(n.Calls())-1]
	raw, _ := json.Marshal(last.Params)
	assert.JSONEq(t, `["bc1qdest",0.12345679]`, string(raw), "rounded to satoshis")
}

func TestSend_WalletMissing(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Send(context.Background(), "u_1", "bc1qdest", 1)
	assert.ErrorIs(t, err, ErrWalletMissing)
}

var sampleDescriptors = []json.RawMessage{
	json.RawMessage(`{"desc":"wpkh([d34db33f/84h/0h/0h]xprv9ABC/0/*)#abcd1234","timestamp":1700000000,"active":true,"internal":false,"range":[0,999],"next":3}`),
	json.RawMessage(`{"desc":"wpkh([d34db33f/84h/0h/0h]xprv9ABC/1/*)#efgh5678","timestamp":1700000000,"active":true,"internal":true,"range":[0,999],"next":0}`),
}

func TestExportDescriptors(t *testing.T) {
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	s, n := newTestService(t, WithClock(func() time.Time { return now }))
	n.AddLoadedWallet("u_7")
	n.SetDescriptors("u_7", sampleDescriptors)

	backup, err := s.ExportDescriptors(context.Background(), verifiedSession(7))
	require.NoError(t, err)
	assert.Equal(t, "u_7", backup.Wallet)
	assert.Equal(t, now, backup.CreatedAt)
	require.Len(t, backup.Descriptors, 2)
	assert.False(t, backup.Descriptors[0].Internal)
	assert.True(t, backup.Descriptors[1].Internal)
	assert.Equal(t, int64(1700000000), backup.Descriptors[0].Timestamp.Unix)
	assert.Contains(t, backup.Descriptors[0].Desc, "xprv", "backup carries private keys")

	var list *nodetest.Call
	for _, c := range n.Calls() {
		if c.Method == "listdescriptors" {
			list = &c
		}
	}
	require.NotNil(t, list)
	raw, err := json.Marshal(list.Params)
	require.NoError(t, err)
	assert.JSONEq(t, `[true]`, string(raw))
}

func TestExportDescriptors_RequiresVerifiedTOTP(t *testing.T) {
	s, n := newTestService(t)
	n.AddLoadedWallet("u_7")
	ctx := context.Background()

	_, err := s.ExportDescriptors(ctx, nil)
	assert.ErrorIs(t, err, session.ErrNotLoggedIn)

	for _, state := range []session.TOTPState{session.TOTPPending, session.TOTPNotRequired} {
		sess := verifiedSession(7)
		sess.TOTP = state
		_, err := s.ExportDescriptors(ctx, sess)
		assert.ErrorIs(t, err, ErrTOTPNotVerified, state.String())
	}
	assert.Zero(t, n.Called("listdescriptors"))
}

func TestDescriptorRoundTrip(t *testing.T) {
	src, srcNode := newTestService(t)
	srcNode.AddLoadedWallet("u_7")
	srcNode.SetDescriptors("u_7", sampleDescriptors)
	ctx := context.Background()

	backup, err := src.ExportDescriptors(ctx, verifiedSession(7))
	require.NoError(t, err)

	// Through the file format and into a fresh node.
	data, err := json.Marshal(backup)
	require.NoError(t, err)
	var restored Backup
	require.NoError(t, json.Unmarshal(data, &restored))

	dst, dstNode := newTestService(t)
	_, err = dst.Create(ctx, "u_7")
	require.NoError(t, err)
	res, err := dst.ImportDescriptors(ctx, verifiedSession(7), restored, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.False(t, res.Rescanned)

	imported := dstNode.Imported("u_7")
	require.Len(t, imported, len(sampleDescriptors))
	for i, raw := range imported {
		var req map[string]any
		require.NoError(t, json.Unmarshal(raw, &req))
		assert.Equal(t, true, req["active"])
		assert.NotNil(t, req["timestamp"])
		assert.Equal(t, backup.Descriptors[i].Desc, req["desc"])
	}
	assert.Zero(t, dstNode.Called("rescanblockchain"))
}

func TestImportDescriptors_Normalizes(t *testing.T) {
	s, n := newTestService(t)
	n.AddLoadedWallet("u_7")

	var backup Backup
	require.NoError(t, json.Unmarshal([]byte(`{"wallet_name":"old","descriptors":[{"desc":"wpkh(tprv8ZgxRestore/84h/1h/0h/0/*)"}]}`), &backup))
	assert.Equal(t, "old", backup.Wallet)

	_, err := s.ImportDescriptors(context.Background(), verifiedSession(7), backup, true)
	require.NoError(t, err)

	imported := n.Imported("u_7")
	require.Len(t, imported, 1)
	assert.JSONEq(t, `{"desc":"wpkh(tprv8ZgxRestore/84h/1h/0h/0/*)","active":true,"timestamp":"now"}`, string(imported[0]))
	assert.Zero(t, n.Called("rescanblockchain"), "rescan is off unless enabled")
}

func TestImportDescriptors_RescanWhenEnabled(t *testing.T) {
	s, n := newTestService(t, WithRescanOnImport(true))
	n.AddLoadedWallet("u_7")
	backup := Backup{Descriptors: []BackupDescriptor{{Desc: "wpkh(tprv8ZgxRestore/84h/1h/0h/0/*)"}}}

	res, err := s.ImportDescriptors(context.Background(), verifiedSession(7), backup, true)
	require.NoError(t, err)
	assert.True(t, res.Rescanned)
	assert.Equal(t, 1, n.Called("rescanblockchain"))

	res, err = s.ImportDescriptors(context.Background(), verifiedSession(7), backup, false)
	require.NoError(t, err)
	assert.False(t, res.Rescanned)
	assert.Equal(t, 1, n.Called("rescanblockchain"))
}

func TestImportDescriptors_PublicOnlyIntoKeyedWallet(t *testing.T) {
	s, n := newTestService(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "u_7")
	require.NoError(t, err)

	backup := Backup{Descriptors: []BackupDescriptor{
		{Desc: "wpkh([d34db33f/84h/0h/0h]xpub6ABC/0/*)"},
		{Desc: "wpkh([d34db33f/84h/0h/0h]xprv9ABC/1/*)", Internal: true},
	}}
	res, err := s.ImportDescriptors(ctx, verifiedSession(7), backup, false)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Imported)
	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Success)
	assert.Contains(t, string(res.Results[0].Error), "-4")
	assert.True(t, res.Results[1].Success)
	assert.Len(t, n.Imported("u_7"), 1)
}

func TestImportDescriptors_Rejects(t *testing.T) {
	s, n := newTestService(t)
	n.AddLoadedWallet("u_7")
	ctx := context.Background()

	_, err := s.ImportDescriptors(ctx, verifiedSession(7), Backup{}, false)
	assert.ErrorIs(t, err, ErrMissingDescriptors)

	_, err = s.ImportDescriptors(ctx, verifiedSession(7), Backup{Descriptors: []BackupDescriptor{{Label: "x"}}}, false)
	assert.ErrorIs(t, err, ErrInvalidBackup)

	pending := verifiedSession(7)
	pending.TOTP = session.TOTPPending
	_, err = s.ImportDescriptors(ctx, pending, Backup{Descriptors: []BackupDescriptor{{Desc: "addr(x)"}}}, false)
	assert.ErrorIs(t, err, ErrTOTPNotVerified)

	assert.Zero(t, n.Called("importdescriptors"))
}
