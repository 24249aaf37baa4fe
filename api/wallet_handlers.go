package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/nodedash/session"
	"github.com/jmcleod/nodedash/wallet"
)

// maxUnlockMinutes caps a single spend unlock.
const maxUnlockMinutes = 60

// walletFor resolves the wallet name of the session user. The route group
// runs RequireAuthorized first, so the session is always present.
func walletFor(r *http.Request) (*session.Session, string) {
	sess := session.FromContext(r.Context())
	return sess, wallet.NameForUser(sess.User.ID)
}

// WalletSummary handles GET /wallet/summary.
func (a *API) WalletSummary(w http.ResponseWriter, r *http.Request) {
	_, name := walletFor(r)
	sum, err := a.wallets.Summary(r.Context(), name)
	if err != nil {
		mapWalletError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// CreateWallet handles POST /wallet/create. It is idempotent.
func (a *API) CreateWallet(w http.ResponseWriter, r *http.Request) {
	sess, name := walletFor(r)
	res, err := a.wallets.Create(r.Context(), name)
	if err != nil {
		mapWalletError(w, name, err)
		return
	}
	if res.Created {
		a.audit.logEvent(AuditWalletCreated, r, sess.User.ID, slog.String("wallet", name))
	}
	writeJSON(w, http.StatusOK, CreateWalletResponse{OK: true, Wallet: res.Wallet, Created: res.Created})
}

// NewAddress handles POST /wallet/receive/new.
func (a *API) NewAddress(w http.ResponseWriter, r *http.Request) {
	_, name := walletFor(r)
	addr, err := a.wallets.NewAddress(r.Context(), name)
	if err != nil {
		mapWalletError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, AddressResponse{Address: addr})
}

// ListTransactions handles GET /wallet/txs?n=.
func (a *API) ListTransactions(w http.ResponseWriter, r *http.Request) {
	_, name := walletFor(r)
	n := queryInt(r, "n", 1, wallet.MaxTxLimit, wallet.DefaultTxLimit)
	txs, err := a.wallets.Transactions(r.Context(), name, n)
	if err != nil {
		mapWalletError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{Txs: txs})
}

// UnlockSpend handles POST /wallet/unlock. The window defaults to five
// minutes and restarts from now on every call.
func (a *API) UnlockSpend(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UnlockRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	var d time.Duration
	if req.Minutes > 0 {
		d = time.Duration(min(req.Minutes, maxUnlockMinutes)) * time.Minute
	}
	sess := session.FromContext(r.Context())
	until, err := a.sessions.UnlockSpend(sess, d)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditSpendUnlocked, r, sess.User.ID, slog.Time("until", until))
	writeJSON(w, http.StatusOK, UnlockResponse{OK: true, Until: unixMilli(until)})
}

// Send handles POST /wallet/send. RequireSpendUnlocked guards it.
func (a *API) Send(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SendRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	sess, name := walletFor(r)
	txid, err := a.wallets.Send(r.Context(), name, req.Address, float64(req.Amount))
	if err != nil {
		mapWalletError(w, name, err)
		return
	}
	a.audit.logEvent(AuditSend, r, sess.User.ID,
		slog.String("wallet", name),
		slog.String("txid", txid),
		slog.Float64("amount", float64(req.Amount)))
	writeJSON(w, http.StatusOK, SendResponse{TxID: txid})
}

// ExportDescriptors handles GET /wallet/descriptors/export.
func (a *API) ExportDescriptors(w http.ResponseWriter, r *http.Request) {
	sess, name := walletFor(r)
	backup, err := a.wallets.ExportDescriptors(r.Context(), sess)
	if err != nil {
		mapWalletError(w, name, err)
		return
	}
	a.audit.logEvent(AuditDescriptorsExport, r, sess.User.ID,
		slog.String("wallet", name),
		slog.Int("descriptors", len(backup.Descriptors)))
	writeJSON(w, http.StatusOK, ExportResponse{OK: true, Backup: backup})
}

// ImportDescriptors handles POST /wallet/descriptors/import.
func (a *API) ImportDescriptors(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ImportRequest](w, r, maxBackupBodySize)
	if !ok {
		return
	}
	if req.Backup == nil {
		mapError(w, wallet.ErrMissingDescriptors)
		return
	}
	sess, name := walletFor(r)
	res, err := a.wallets.ImportDescriptors(r.Context(), sess, *req.Backup, req.Rescan)
	if err != nil {
		mapWalletError(w, name, err)
		return
	}
	a.audit.logEvent(AuditDescriptorsImport, r, sess.User.ID,
		slog.String("wallet", name),
		slog.Int("imported", res.Imported),
		slog.Bool("rescanned", res.Rescanned))
	writeJSON(w, http.StatusOK, ImportResponse{OK: true, Result: res})
}
