package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/nodedash/internal/config"
	"github.com/jmcleod/nodedash/internal/nodetest"
	"github.com/jmcleod/nodedash/storage"
	bboltstorage "github.com/jmcleod/nodedash/storage/bbolt"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func startNode(t *testing.T) (*nodetest.Node, config.Config) {
	t.Helper()
	n := nodetest.New("bc2", "pw")
	srv := n.Server()
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Config{
		RPC:    config.RPC{Host: host, Port: port, User: "bc2", Pass: "pw"},
		UserDB: filepath.Join(t.TempDir(), "users.db"),
	}
	return n, cfg
}

func findCheck(t *testing.T, r checkReport, name string) checkResult {
	t.Helper()
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not in report: %+v", name, r.Checks)
	return checkResult{}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestChecks_AllPass(t *testing.T) {
	_, cfg := startNode(t)
	repo, err := bboltstorage.NewRepositoryFromFile(cfg.UserDB, nil)
	require.NoError(t, err)
	_, err = repo.CreateUser(t.Context(), storage.NewUser{Username: "alice", PasswordHash: "h"})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	report := runChecks(t.Context(), cfg, nil, time.Second)

	assert.True(t, report.Valid)
	for _, c := range report.Checks {
		assert.Equal(t, statusPass, c.Status, "check %s: %s", c.Name, c.Detail)
	}
	assert.Equal(t, "user bc2", findCheck(t, report, "rpc_credentials").Detail)
	assert.Contains(t, findCheck(t, report, "node_reachable").Detail, "chain main")
	assert.Contains(t, findCheck(t, report, "user_store").Detail, "1 user(s)")
}

func TestChecks_MissingUserDBIsWarning(t *testing.T) {
	_, cfg := startNode(t)

	report := runChecks(t.Context(), cfg, nil, time.Second)

	assert.True(t, report.Valid)
	c := findCheck(t, report, "user_store")
	assert.Equal(t, statusWarn, c.Status)
	assert.Contains(t, c.Detail, "does not exist yet")
}

func TestChecks_LockedUserDBIsWarning(t *testing.T) {
	_, cfg := startNode(t)
	repo, err := bboltstorage.NewRepositoryFromFile(cfg.UserDB, nil)
	require.NoError(t, err)
	defer repo.Close()

	report := runChecks(t.Context(), cfg, nil, time.Second)

	c := findCheck(t, report, "user_store")
	assert.Equal(t, statusWarn, c.Status)
	assert.Contains(t, c.Detail, "locked")
}

func TestChecks_NoCredential(t *testing.T) {
	n, cfg := startNode(t)
	cfg.RPC.Pass = ""
	cfg.RPC.CookiePath = filepath.Join(t.TempDir(), ".cookie")

	report := runChecks(t.Context(), cfg, nil, time.Second)

	assert.False(t, report.Valid)
	assert.Equal(t, statusFail, findCheck(t, report, "rpc_credentials").Status)
	assert.Zero(t, n.Called("getblockchaininfo"), "node must not be queried without a credential")
	for _, c := range report.Checks {
		assert.NotEqual(t, "node_reachable", c.Name)
	}
}

func TestChecks_WrongPassword(t *testing.T) {
	_, cfg := startNode(t)
	cfg.RPC.Pass = "wrong"

	report := runChecks(t.Context(), cfg, nil, time.Second)

	assert.False(t, report.Valid)
	assert.Equal(t, statusFail, findCheck(t, report, "node_reachable").Status)
}

func TestChecks_InitialBlockDownloadIsWarning(t *testing.T) {
	n, cfg := startNode(t)
	n.Handle("getblockchaininfo", func(string, []json.RawMessage) (any, *nodetest.Error) {
		return map[string]any{
			"chain":                "main",
			"blocks":               10,
			"headers":              900,
			"initialblockdownload": true,
			"verificationprogress": 0.25,
		}, nil
	})

	report := runChecks(t.Context(), cfg, nil, time.Second)

	assert.True(t, report.Valid)
	c := findCheck(t, report, "node_synced")
	assert.Equal(t, statusWarn, c.Status)
	assert.Contains(t, c.Detail, "25.00%")
}

func TestChecks_WalletDisabled(t *testing.T) {
	n, cfg := startNode(t)
	n.Handle("listwalletdir", func(string, []json.RawMessage) (any, *nodetest.Error) {
		return nil, &nodetest.Error{Code: -32601, Message: "Method not found"}
	})

	report := runChecks(t.Context(), cfg, nil, time.Second)

	assert.False(t, report.Valid)
	assert.Equal(t, statusFail, findCheck(t, report, "wallet_rpc").Status)
}

func TestChecks_ConfigErrorAndTLS(t *testing.T) {
	_, cfg := startNode(t)
	cfg.TLS = config.TLS{Cert: "/nonexistent/cert.pem", Key: "/nonexistent/key.pem"}

	report := runChecks(t.Context(), cfg, errors.New("listen port 0 out of range"), time.Second)

	assert.False(t, report.Valid)
	assert.Equal(t, statusFail, findCheck(t, report, "configuration").Status)
	assert.Equal(t, statusFail, findCheck(t, report, "tls_key_pair").Status)
	failures, _ := report.counts()
	assert.Equal(t, 2, failures)
}

func TestCheckReport_Output(t *testing.T) {
	report := checkReport{Valid: true}
	report.add("configuration", statusPass, "")
	report.add("node_synced", statusWarn, "initial block download")

	var buf bytes.Buffer
	printCheckReport(&buf, report)
	assert.Contains(t, buf.String(), "configuration")
	assert.Contains(t, buf.String(), "Result: READY")

	report.add("wallet_rpc", statusFail, "method not found")
	buf.Reset()
	printCheckReport(&buf, report)
	assert.Contains(t, buf.String(), "Result: NOT READY (1 error(s), 1 warning(s))")

	buf.Reset()
	done, err := writeStructured(&buf, "json", report)
	require.NoError(t, err)
	assert.True(t, done)
	var decoded checkReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.False(t, decoded.Valid)
	assert.Len(t, decoded.Checks, 3)

	buf.Reset()
	done, err = writeStructured(&buf, "yaml", report)
	require.NoError(t, err)
	assert.True(t, done)
	var fromYAML checkReport
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	assert.Equal(t, "wallet_rpc", fromYAML.Checks[2].Name)

	done, err = writeStructured(&buf, "table", report)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = writeStructured(&buf, "xml", report)
	require.Error(t, err)
}
