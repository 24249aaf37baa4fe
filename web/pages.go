package web

import (
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/nodedash/api"
	"github.com/jmcleod/nodedash/node"
	"github.com/jmcleod/nodedash/rpc"
	"github.com/jmcleod/nodedash/session"
	"github.com/jmcleod/nodedash/wallet"
)

const (
	explorerBlocks  = 10
	explorerMempool = 20
	dashboardTxs    = 25
	sendPageTxs     = 10
)

type healthPage struct {
	layoutData
	Overview node.Overview
}

// Health renders the node health dashboard.
func (p *Pages) Health(w http.ResponseWriter, r *http.Request) {
	data := healthPage{layoutData: p.layout(r, "Node Health", "health")}
	ov, err := p.node.Overview(r.Context())
	if err != nil {
		p.logger.Warn("node overview failed", "error", err)
		data.Error = err.Error()
		p.render(w, http.StatusBadGateway, "health", data)
		return
	}
	data.Overview = ov
	p.render(w, http.StatusOK, "health", data)
}

type explorerPage struct {
	layoutData
	Tip     int64
	Blocks  []node.BlockSummary
	Mempool node.MempoolView
}

// Explorer renders recent blocks and a mempool sample. A q parameter is
// treated as a search and redirected to the matching lookup.
func (p *Pages) Explorer(w http.ResponseWriter, r *http.Request) {
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		p.search(w, r, q)
		return
	}

	data := explorerPage{layoutData: p.layout(r, "Explorer", "explorer")}
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() (err error) {
		data.Tip, data.Blocks, err = p.node.RecentBlocks(ctx, explorerBlocks)
		return err
	})
	g.Go(func() (err error) {
		data.Mempool, err = p.node.MempoolSample(ctx, explorerMempool)
		return err
	})
	if err := g.Wait(); err != nil {
		p.logger.Warn("explorer query failed", "error", err)
		data.Error = err.Error()
		p.render(w, http.StatusBadGateway, "explorer", data)
		return
	}
	p.render(w, http.StatusOK, "explorer", data)
}

// search resolves a height, a block hash, a txid or an address. A 64-hex
// string is tried as a block hash first.
func (p *Pages) search(w http.ResponseWriter, r *http.Request, q string) {
	var target string
	switch {
	case isHeight(q):
		target = "/b/" + q
	case isHash(q):
		if _, err := p.node.BlockByID(r.Context(), q); err == nil {
			target = "/b/" + q
		} else {
			target = "/t/" + q
		}
	default:
		target = "/api/address/" + url.PathEscape(q)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func isHeight(s string) bool {
	_, err := strconv.ParseUint(s, 10, 63)
	return err == nil
}

func isHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// Login renders the login form. Fully authorized sessions go straight to
// the dashboard.
func (p *Pages) Login(w http.ResponseWriter, r *http.Request) {
	if session.FromContext(r.Context()).FullyAuthorized() {
		http.Redirect(w, r, "/wallet/dashboard", http.StatusFound)
		return
	}
	p.render(w, http.StatusOK, "login", p.layout(r, "Login", "wallet"))
}

// Register renders the sign-up form.
func (p *Pages) Register(w http.ResponseWriter, r *http.Request) {
	if session.FromContext(r.Context()).FullyAuthorized() {
		http.Redirect(w, r, "/wallet/dashboard", http.StatusFound)
		return
	}
	p.render(w, http.StatusOK, "register", p.layout(r, "Register", "wallet"))
}

// TOTP renders the second-factor prompt for a pending login.
func (p *Pages) TOTP(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	switch {
	case sess == nil || sess.User == nil:
		http.Redirect(w, r, "/wallet/login", http.StatusFound)
	case sess.TOTP != session.TOTPPending:
		http.Redirect(w, r, "/wallet/dashboard", http.StatusFound)
	default:
		p.render(w, http.StatusOK, "totp", p.layout(r, "2FA Verification", "wallet"))
	}
}

// Logout destroys the session and returns to the login form.
func (p *Pages) Logout(w http.ResponseWriter, r *http.Request) {
	if sess := session.FromContext(r.Context()); sess != nil {
		p.sessions.Logout(sess.Token)
	}
	api.ClearSessionCookies(w, r)
	http.Redirect(w, r, "/wallet/login", http.StatusFound)
}

// requireWallet sends anonymous visitors to the login form and pending
// logins to the TOTP prompt.
func (p *Pages) requireWallet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := p.sessions.RequireAuthorized(session.FromContext(r.Context()))
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.Is(err, session.ErrTOTPRequired):
			http.Redirect(w, r, "/wallet/totp", http.StatusFound)
		default:
			http.Redirect(w, r, "/wallet/login", http.StatusFound)
		}
	})
}

type walletPage struct {
	layoutData
	Tab         string
	Wallet      string
	Missing     bool
	Summary     wallet.Summary
	Txs         []rpc.Transaction
	UnlockedTil time.Time
	Settings    session.UserSettings
	MinIdle     int
	MaxIdle     int
}

// walletView loads the summary shared by the wallet tabs. A missing wallet
// is not an error; the page offers to create it.
func (p *Pages) walletView(r *http.Request, title, tab string) (walletPage, error) {
	sess := session.FromContext(r.Context())
	data := walletPage{
		layoutData: p.layout(r, title, "wallet"),
		Tab:        tab,
		Wallet:     wallet.NameForUser(sess.User.ID),
	}
	if sess.SpendUnlocked(p.sessions.Now()) {
		data.UnlockedTil = sess.SpendUnlockedUntil
	}
	sum, err := p.wallets.Summary(r.Context(), data.Wallet)
	switch {
	case errors.Is(err, wallet.ErrWalletMissing):
		data.Missing = true
		return data, nil
	case err != nil:
		return data, err
	}
	data.Summary = sum
	return data, nil
}

func (p *Pages) renderWallet(w http.ResponseWriter, r *http.Request, title, tab string, txs int) {
	data, err := p.walletView(r, title, tab)
	if err == nil && !data.Missing && txs > 0 {
		data.Txs, err = p.wallets.Transactions(r.Context(), data.Wallet, txs)
	}
	if err != nil {
		p.logger.Warn("wallet query failed", "wallet", data.Wallet, "error", err)
		data.Error = err.Error()
		p.render(w, http.StatusBadGateway, tab, data)
		return
	}
	p.render(w, http.StatusOK, tab, data)
}

// Dashboard renders the balance and the latest transactions.
func (p *Pages) Dashboard(w http.ResponseWriter, r *http.Request) {
	p.renderWallet(w, r, "Wallet", "dashboard", dashboardTxs)
}

// Receive renders the new-address form.
func (p *Pages) Receive(w http.ResponseWriter, r *http.Request) {
	p.renderWallet(w, r, "Receive", "receive", 0)
}

// Send renders the spend unlock and send forms.
func (p *Pages) Send(w http.ResponseWriter, r *http.Request) {
	p.renderWallet(w, r, "Send", "send", sendPageTxs)
}

// Settings renders the idle timeout, TOTP and descriptor backup forms.
func (p *Pages) Settings(w http.ResponseWriter, r *http.Request) {
	sess := session.FromContext(r.Context())
	data := walletPage{
		layoutData: p.layout(r, "Settings", "wallet"),
		Tab:        "settings",
		Wallet:     wallet.NameForUser(sess.User.ID),
		MinIdle:    session.MinIdleTimeoutMinutes,
		MaxIdle:    session.MaxIdleTimeoutMinutes,
	}
	settings, err := p.sessions.Settings(r.Context(), sess)
	if err != nil {
		p.logger.Warn("load settings failed", "user_id", sess.User.ID, "error", err)
		data.Error = err.Error()
		p.render(w, http.StatusInternalServerError, "settings", data)
		return
	}
	data.Settings = settings
	p.render(w, http.StatusOK, "settings", data)
}
