package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/spf13/cobra"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/jmcleod/nodedash/internal/config"
	"github.com/jmcleod/nodedash/node"
	"github.com/jmcleod/nodedash/rpc"
	bboltstorage "github.com/jmcleod/nodedash/storage/bbolt"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

type checkResult struct {
	Name   string `json:"name" yaml:"name"`
	Status string `json:"status" yaml:"status"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

type checkReport struct {
	Valid  bool          `json:"valid" yaml:"valid"`
	Checks []checkResult `json:"checks" yaml:"checks"`
}

func (r *checkReport) add(name, status, detail string) {
	if status == statusFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, checkResult{Name: name, Status: status, Detail: detail})
}

func (r checkReport) counts() (failures, warnings int) {
	for _, c := range r.Checks {
		switch c.Status {
		case statusFail:
			failures++
		case statusWarn:
			warnings++
		}
	}
	return failures, warnings
}

var checkTimeout time.Duration

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration, node connectivity and storage before starting",
	Long: `Resolves the configuration and verifies that an RPC credential is usable,
the node answers, its wallet subsystem is enabled, the user database opens
and any TLS key pair loads. Exits 1 when a check fails.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 5*time.Second, "time limit for each node query")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, cfgErr := config.Load(v)
	report := runChecks(cmd.Context(), cfg, cfgErr, checkTimeout)

	w := cmd.OutOrStdout()
	done, err := writeStructured(w, output, report)
	if err != nil {
		return err
	}
	if !done {
		printCheckReport(w, report)
	}
	if !report.Valid {
		failures, _ := report.counts()
		return fmt.Errorf("%d check(s) failed", failures)
	}
	return nil
}

// runChecks never stops early so one run reports every problem. Node
// checks are skipped when no credential resolves.
func runChecks(ctx context.Context, cfg config.Config, cfgErr error, timeout time.Duration) checkReport {
	report := checkReport{Valid: true}

	if cfgErr != nil {
		report.add("configuration", statusFail, cfgErr.Error())
	} else {
		report.add("configuration", statusPass, "")
	}

	client, auth := newRPCClient(cfg)
	if cred, ok := auth.Resolve(); ok {
		report.add("rpc_credentials", statusPass, "user "+cred.Username)
		checkNode(ctx, &report, client, timeout)
	} else {
		report.add("rpc_credentials", statusFail, "no readable cookie and no static RPC password")
	}

	checkUserStore(ctx, &report, cfg)

	if cfg.TLS.Cert != "" && cfg.TLS.Key != "" {
		if _, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key); err != nil {
			report.add("tls_key_pair", statusFail, err.Error())
		} else {
			report.add("tls_key_pair", statusPass, cfg.TLS.Cert)
		}
	}
	return report
}

func checkNode(ctx context.Context, report *checkReport, client *rpc.Client, timeout time.Duration) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := node.NewService(client).BlockchainInfo(qctx)
	if err != nil {
		report.add("node_reachable", statusFail, err.Error())
		return
	}
	report.add("node_reachable", statusPass, fmt.Sprintf("chain %s at height %d", info.Chain, info.Blocks))

	if info.InitialBlockDownload {
		report.add("node_synced", statusWarn,
			fmt.Sprintf("initial block download, %.2f%% verified", info.VerificationProgress*100))
	} else {
		report.add("node_synced", statusPass, "")
	}

	var dir rpc.WalletDir
	if err := client.CallResult(qctx, "listwalletdir", nil, &dir); err != nil {
		report.add("wallet_rpc", statusFail, err.Error())
		return
	}
	report.add("wallet_rpc", statusPass, fmt.Sprintf("%d wallet(s) on disk", len(dir.Wallets)))
}

func checkUserStore(ctx context.Context, report *checkReport, cfg config.Config) {
	if cfg.DatabaseURL != "" {
		users, err := openUserStore(ctx, cfg)
		if err != nil {
			report.add("user_store", statusFail, err.Error())
			return
		}
		users.close()
		report.add("user_store", statusPass, "postgres schema ready")
		return
	}
	if cfg.UserDB == "" {
		return
	}

	n, err := bboltstorage.Inspect(cfg.UserDB, time.Second)
	switch {
	case err == nil:
		report.add("user_store", statusPass, fmt.Sprintf("%s, %d user(s)", cfg.UserDB, n))
	case errors.Is(err, fs.ErrNotExist):
		report.add("user_store", statusWarn, cfg.UserDB+" does not exist yet; the server creates it on start")
	case errors.Is(err, berrors.ErrTimeout):
		report.add("user_store", statusWarn, cfg.UserDB+" is locked, probably by a running server")
	default:
		report.add("user_store", statusFail, err.Error())
	}
}

func printCheckReport(w io.Writer, report checkReport) {
	t := newTable(w, "Status", "Check", "Detail")
	for _, c := range report.Checks {
		t.Append([]string{statusColor(c.Status), c.Name, c.Detail})
	}
	t.Render()

	fmt.Fprintln(w)
	if report.Valid {
		fmt.Fprintln(w, "Result: READY")
		return
	}
	failures, warnings := report.counts()
	fmt.Fprintf(w, "Result: NOT READY (%d error(s), %d warning(s))\n", failures, warnings)
}
