package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jmcleod/nodedash/internal/config"
	"github.com/jmcleod/nodedash/node"
)

var statusTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node health as reported over RPC",
	Long: `Queries the node for chain, network and mempool state, the same data the
dashboard's health page shows. Use -o json or -o yaml for scripts.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "time limit for the node queries")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	client, _ := newRPCClient(cfg)

	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()
	ov, err := node.NewService(client).Overview(ctx)
	if err != nil {
		return fmt.Errorf("querying node at %s:%d: %w", cfg.RPC.Host, cfg.RPC.Port, err)
	}

	w := cmd.OutOrStdout()
	if done, err := writeStructured(w, output, ov); done {
		return err
	}
	printOverview(w, ov)
	return nil
}

func printOverview(w io.Writer, ov node.Overview) {
	p := message.NewPrinter(language.English)
	bc, nw, mp := ov.Blockchain, ov.Network, ov.Mempool

	syncState := color.GreenString("synced")
	if bc.InitialBlockDownload {
		syncState = color.YellowString("initial block download (%.2f%%)", bc.VerificationProgress*100)
	}

	t := newTable(w, "Field", "Value")
	t.AppendBulk([][]string{
		{"Chain", bc.Chain},
		{"Sync", syncState},
		{"Blocks", p.Sprintf("%d", bc.Blocks)},
		{"Headers", p.Sprintf("%d", bc.Headers)},
		{"Best Block", bc.BestBlockHash},
		{"Difficulty", p.Sprintf("%.2f", bc.Difficulty)},
		{"Size On Disk", p.Sprintf("%d bytes", bc.SizeOnDisk)},
		{"Peers", p.Sprintf("%d (%d in, %d out)", nw.Connections, nw.ConnectionsIn, nw.ConnectionsOut)},
		{"Version", fmt.Sprintf("%d %s", nw.Version, nw.Subversion)},
		{"Mempool Txs", p.Sprintf("%d", mp.Size)},
		{"Mempool Usage", p.Sprintf("%d / %d bytes", mp.Usage, mp.MaxMempool)},
		{"Min Relay Fee", p.Sprintf("%.8f", mp.MinRelayTxFee)},
	})
	t.Render()
}
