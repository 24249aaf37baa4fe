// Package wallet provisions one node wallet per dashboard user and runs the
// wallet-scoped operations on it.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/jmcleod/nodedash/rpc"
)

var (
	// ErrWalletMissing means the user's wallet exists neither in memory nor
	// on disk. Callers may offer to create it.
	ErrWalletMissing = errors.New("wallet missing")
	// ErrInvalidSend rejects an empty address or a non-positive amount.
	ErrInvalidSend = errors.New("invalid address or amount")
)

// LoadError means the wallet is present on disk but the node could not load
// it. It must never be answered by creating a wallet of the same name.
type LoadError struct {
	Wallet string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("wallet %q exists on disk but failed to load: %v", e.Wallet, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

const (
	// DefaultTxLimit is the listtransactions count when none is given.
	DefaultTxLimit = 50
	// MaxTxLimit caps listtransactions.
	MaxTxLimit = 500
)

// NameForUser is the node wallet name owned by a user.
func NameForUser(userID int64) string {
	return "u_" + strconv.FormatInt(userID, 10)
}

// Caller is the subset of rpc.Client the wallet flow needs.
type Caller interface {
	CallResult(ctx context.Context, method string, params []any, out any, opts ...rpc.CallOption) error
}

// Service runs wallet RPCs on behalf of users.
type Service struct {
	rpc            Caller
	now            func() time.Time
	rescanOnImport bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source stamped on exported backups.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRescanOnImport lets ImportDescriptors follow up with a full
// rescanblockchain when the caller asks for one. Off by default: the node
// already rescans from each descriptor's timestamp.
func WithRescanOnImport(enabled bool) Option {
	return func(s *Service) { s.rescanOnImport = enabled }
}

func NewService(c Caller, opts ...Option) *Service {
	s := &Service{rpc: c, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureLoaded makes sure name is loaded in the node. It returns nil when the
// wallet is usable, ErrWalletMissing when no such wallet exists anywhere and
// a *LoadError when the wallet file exists but will not open.
func (s *Service) EnsureLoaded(ctx context.Context, name string) error {
	var loaded []string
	if err := s.rpc.CallResult(ctx, "listwallets", nil, &loaded); err != nil {
		return err
	}
	if slices.Contains(loaded, name) {
		return nil
	}

	err := s.rpc.CallResult(ctx, "loadwallet", []any{name}, nil)
	switch {
	case err == nil, rpc.HasCode(err, rpc.CodeWalletAlreadyLoaded):
		return nil
	case !rpc.HasCode(err, rpc.CodeWalletNotFound):
		return &LoadError{Wallet: name, Err: err}
	}

	// -18 covers both "no such wallet" and "found but failed to verify".
	// Only the directory listing tells them apart.
	var dir rpc.WalletDir
	if derr := s.rpc.CallResult(ctx, "listwalletdir", nil, &dir); derr != nil {
		return &LoadError{Wallet: name, Err: errors.Join(err, derr)}
	}
	if slices.Contains(dir.Names(), name) {
		return &LoadError{Wallet: name, Err: err}
	}
	return ErrWalletMissing
}

// CreateResult reports the outcome of Create.
type CreateResult struct {
	Wallet  string `json:"wallet"`
	Created bool   `json:"created"`
}

// Create provisions name if it does not exist yet. A wallet that is already
// loaded, or loadable from disk, is left alone.
func (s *Service) Create(ctx context.Context, name string) (CreateResult, error) {
	err := s.EnsureLoaded(ctx, name)
	switch {
	case err == nil:
		return CreateResult{Wallet: name}, nil
	case !errors.Is(err, ErrWalletMissing):
		return CreateResult{}, err
	}

	// name, disable_private_keys, blank, passphrase, avoid_reuse,
	// descriptors, load_on_startup, external_signer
	params := []any{name, false, false, "", false, true, true, false}
	var res rpc.LoadWalletResult
	if err := s.rpc.CallResult(ctx, "createwallet", params, &res); err != nil {
		return CreateResult{}, fmt.Errorf("creating wallet %q: %w", name, err)
	}
	if err := s.EnsureLoaded(ctx, name); err != nil {
		return CreateResult{}, err
	}
	return CreateResult{Wallet: name, Created: true}, nil
}

// Summary is the dashboard view of a wallet.
type Summary struct {
	Wallet      string  `json:"wallet"`
	Balance     float64 `json:"balance"`
	Unconfirmed float64 `json:"unconfirmed"`
	TxCount     int64   `json:"txcount"`
	Descriptors bool    `json:"descriptors"`
}

func (s *Service) Summary(ctx context.Context, name string) (Summary, error) {
	if err := s.EnsureLoaded(ctx, name); err != nil {
		return Summary{}, err
	}
	var info rpc.WalletInfo
	if err := s.rpc.CallResult(ctx, "getwalletinfo", nil, &info, rpc.WithWallet(name)); err != nil {
		return Summary{}, err
	}
	return Summary{
		Wallet:      name,
		Balance:     info.Balance,
		Unconfirmed: info.UnconfirmedBalance,
		TxCount:     info.TxCount,
		Descriptors: info.Descriptors,
	}, nil
}

// NewAddress derives a fresh receive address.
func (s *Service) NewAddress(ctx context.Context, name string) (string, error) {
	if err := s.EnsureLoaded(ctx, name); err != nil {
		return "", err
	}
	var addr string
	if err := s.rpc.CallResult(ctx, "getnewaddress", nil, &addr, rpc.WithWallet(name)); err != nil {
		return "", err
	}
	return addr, nil
}

// ClampTxLimit maps a requested transaction count onto [1, MaxTxLimit],
// using DefaultTxLimit for zero or negative values.
func ClampTxLimit(n int) int {
	if n <= 0 {
		return DefaultTxLimit
	}
	return min(n, MaxTxLimit)
}

// Transactions lists the most recent n wallet transactions, watch-only
// included.
func (s *Service) Transactions(ctx context.Context, name string, n int) ([]rpc.Transaction, error) {
	if err := s.EnsureLoaded(ctx, name); err != nil {
		return nil, err
	}
	txs := []rpc.Transaction{}
	params := []any{"*", ClampTxLimit(n), 0, true}
	if err := s.rpc.CallResult(ctx, "listtransactions", params, &txs, rpc.WithWallet(name)); err != nil {
		return nil, err
	}
	return txs, nil
}

// Send pays amount coins to address. The amount is rounded to whole
// satoshis before it reaches the node.
func (s *Service) Send(ctx context.Context, name, address string, amount float64) (string, error) {
	address = strings.TrimSpace(address)
	if address == "" || math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return "", ErrInvalidSend
	}
	amt, err := btcutil.NewAmount(amount)
	if err != nil || amt <= 0 {
		return "", ErrInvalidSend
	}
	if err := s.EnsureLoaded(ctx, name); err != nil {
		return "", err
	}
	var txid string
	if err := s.rpc.CallResult(ctx, "sendtoaddress", []any{address, amt.ToBTC()}, &txid, rpc.WithWallet(name)); err != nil {
		return "", err
	}
	return txid, nil
}
