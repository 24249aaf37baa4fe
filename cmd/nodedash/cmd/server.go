package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/nodedash/api"
	"github.com/jmcleod/nodedash/internal/config"
	"github.com/jmcleod/nodedash/internal/tlsutil"
	"github.com/jmcleod/nodedash/node"
	"github.com/jmcleod/nodedash/session"
	"github.com/jmcleod/nodedash/wallet"
	"github.com/jmcleod/nodedash/web"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the dashboard web server",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.String("listen-host", "", "address to listen on")
	f.IntP("port", "p", 0, "port to listen on")
	f.String("tls-cert", "", "path to TLS certificate file")
	f.String("tls-key", "", "path to TLS key file")
	f.Bool("tls-self-signed", false, "serve HTTPS with a runtime generated certificate")
	f.String("session-db", "", "bbolt file for sessions that survive restarts")
	bindFlags(serverCmd, map[string]string{
		"listen-host":     config.KeyListenHost,
		"port":            config.KeyListenPort,
		"tls-cert":        config.KeyTLSCert,
		"tls-key":         config.KeyTLSKey,
		"tls-self-signed": config.KeyTLSSelfSigned,
		"session-db":      config.KeySessionDB,
	}, false)
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	users, err := openUserStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer users.close()

	store, closeStore, err := openSessionStore(cfg, users)
	if err != nil {
		return err
	}
	defer closeStore()

	client, auth := newRPCClient(cfg)
	if _, ok := auth.Resolve(); !ok {
		logger.Warn("no RPC credential available yet; node calls will fail until the cookie appears or RPC_PASS is set",
			"cookie", cfg.RPC.CookiePath)
	}

	nodeSvc := node.NewService(client)
	wallets := wallet.NewService(client, wallet.WithRescanOnImport(cfg.RescanOnImport))
	manager := session.NewManager(users.repo, store,
		session.WithDefaultIdleTimeout(cfg.IdleTimeoutMinutes),
		session.WithTOTPIssuer(cfg.TOTPIssuer),
	)

	a := api.New(nodeSvc, wallets, manager,
		api.WithLogger(logger),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("security alert",
				"alert", e.Type, "message", e.Message, "count", e.Count, "threshold", e.Threshold)
		}),
		api.WithAuditWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookHeader),
		api.WithLimits(api.Limits{BlocksMax: cfg.BlocksLimitMax, MempoolMax: cfg.MempoolLimitMax}),
		api.WithAccessLog(cfg.AccessLog),
		api.WithTrustedProxies(cfg.TrustedProxies),
	)
	defer a.Close()

	pages, err := web.New(nodeSvc, wallets, manager, web.WithLogger(logger))
	if err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		var selfSigned bool
		tlsConfig, selfSigned, err = tlsutil.ServerConfig(cfg.TLS.Cert, cfg.TLS.Key, cfg.ListenHost)
		if err != nil {
			return err
		}
		if selfSigned {
			logger.Info("using self-signed runtime generated certificate for TLS")
		}
	}

	// Request contexts derive from baseCtx so open event streams end when
	// shutdown starts. No read or write timeout past the headers for the
	// same reason.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           a.Handler(pages.Mount),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(cancelBase)

	done := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner(cmd.OutOrStdout())
	logger.Info("server started",
		"addr", cfg.ListenAddr(),
		"tls", tlsConfig != nil,
		"node", fmt.Sprintf("%s:%d", cfg.RPC.Host, cfg.RPC.Port),
		"user_store", users.backend,
		"persistent_sessions", cfg.PersistentSessions(),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
