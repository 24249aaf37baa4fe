package api

import (
	"time"

	"github.com/jmcleod/nodedash/node"
	"github.com/jmcleod/nodedash/rpc"
	"github.com/jmcleod/nodedash/session"
	"github.com/jmcleod/nodedash/wallet"
)

// ErrorResponse is the body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Wallet  string `json:"wallet,omitempty"`
}

// NodeErrorResponse is returned by the explorer and health endpoints when
// the node call fails.
type NodeErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// OKResponse acknowledges an action with no other payload.
type OKResponse struct {
	OK bool `json:"ok"`
}

// CredentialsRequest is the JSON body for POST /auth/register and /auth/login.
type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterResponse is returned from POST /auth/register.
type RegisterResponse struct {
	OK   bool            `json:"ok"`
	User session.UserRef `json:"user"`
}

// LoginResponse is returned from POST /auth/login.
type LoginResponse struct {
	OK        bool `json:"ok"`
	NeedsTOTP bool `json:"needs_totp,omitempty"`
}

// MeResponse is returned from GET /auth/me.
type MeResponse struct {
	User               *session.UserRef `json:"user"`
	TOTPVerified       bool             `json:"totp_verified"`
	SpendUnlockedUntil int64            `json:"spend_unlocked_until,omitempty"`
}

// CodeRequest carries a six digit TOTP code.
type CodeRequest struct {
	Code string `json:"code"`
}

// EnrollRequest is the JSON body for POST /totp/enroll.
type EnrollRequest struct {
	Issuer string `json:"issuer,omitempty"`
}

// EnrollResponse is returned from POST /totp/enroll.
type EnrollResponse struct {
	OTPAuth   string `json:"otpauth"`
	QRDataURL string `json:"qrDataUrl"`
}

// TOTPStatusResponse is returned from GET /totp/status.
type TOTPStatusResponse struct {
	Enabled bool `json:"enabled"`
}

// SettingsRequest is the JSON body for POST /settings.
type SettingsRequest struct {
	IdleTimeoutMinutes int `json:"idle_timeout_minutes"`
}

// BlocksResponse is returned from GET /blocks.
type BlocksResponse struct {
	Tip    int64               `json:"tip"`
	Blocks []node.BlockSummary `json:"blocks"`
}

// CreateWalletResponse is returned from POST /wallet/create.
type CreateWalletResponse struct {
	OK      bool   `json:"ok"`
	Wallet  string `json:"wallet"`
	Created bool   `json:"created"`
}

// AddressResponse is returned from POST /wallet/receive/new.
type AddressResponse struct {
	Address string `json:"address"`
}

// TransactionsResponse is returned from GET /wallet/txs.
type TransactionsResponse struct {
	Txs []rpc.Transaction `json:"txs"`
}

// UnlockRequest optionally sets the spend window length.
type UnlockRequest struct {
	Minutes int `json:"minutes,omitempty"`
}

// UnlockResponse is returned from POST /wallet/unlock. Until is in unix
// milliseconds.
type UnlockResponse struct {
	OK    bool  `json:"ok"`
	Until int64 `json:"until"`
}

// SendRequest is the JSON body for POST /wallet/send. Amount accepts a
// number or a numeric string.
type SendRequest struct {
	Address string     `json:"address"`
	Amount  flexAmount `json:"amount"`
}

// SendResponse is returned from POST /wallet/send.
type SendResponse struct {
	TxID string `json:"txid"`
}

// ExportResponse is returned from GET /wallet/descriptors/export.
type ExportResponse struct {
	OK     bool          `json:"ok"`
	Backup wallet.Backup `json:"backup"`
}

// ImportRequest is the JSON body for POST /wallet/descriptors/import.
type ImportRequest struct {
	Backup *wallet.Backup `json:"backup"`
	Rescan bool           `json:"rescan"`
}

// ImportResponse is returned from POST /wallet/descriptors/import.
type ImportResponse struct {
	OK     bool                `json:"ok"`
	Result wallet.ImportResult `json:"result"`
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
