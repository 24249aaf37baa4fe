package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/nodedash/rpc"
	"github.com/jmcleod/nodedash/session"
)

var (
	// ErrTOTPNotVerified gates descriptor export and import: the session
	// must have passed a second factor in this login.
	ErrTOTPNotVerified = errors.New("totp not verified")
	// ErrMissingDescriptors rejects a backup with no descriptors.
	ErrMissingDescriptors = errors.New("missing descriptors")
	// ErrInvalidBackup rejects a backup entry without a descriptor string.
	ErrInvalidBackup = errors.New("invalid backup")
)

// BackupDescriptor is one descriptor as written to a backup file. Only Desc
// is required on import.
type BackupDescriptor struct {
	Desc      string         `json:"desc"`
	Internal  bool           `json:"internal"`
	Timestamp *rpc.Timestamp `json:"timestamp,omitempty"`
	Label     string         `json:"label"`
	Range     []int64        `json:"range,omitempty"`
	Next      *int64         `json:"next,omitempty"`
}

// Backup is a descriptor backup of one wallet.
type Backup struct {
	Wallet      string             `json:"wallet"`
	CreatedAt   time.Time          `json:"createdAt"`
	Descriptors []BackupDescriptor `json:"descriptors"`
}

// UnmarshalJSON also accepts raw listdescriptors output, which names the
// wallet "wallet_name" and has no creation time.
func (b *Backup) UnmarshalJSON(data []byte) error {
	type plain Backup
	var aux struct {
		plain
		WalletName string `json:"wallet_name"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*b = Backup(aux.plain)
	if b.Wallet == "" {
		b.Wallet = aux.WalletName
	}
	return nil
}

func requireVerified(sess *session.Session) error {
	if sess == nil || sess.User == nil {
		return session.ErrNotLoggedIn
	}
	// A registration session has no second factor to speak of; backups
	// want one that was actually checked.
	if sess.TOTP != session.TOTPVerified {
		return ErrTOTPNotVerified
	}
	return nil
}

// ExportDescriptors snapshots the descriptors of the session user's wallet
// with their private keys, the form a wallet from Create accepts back. The
// backup is a secret.
func (s *Service) ExportDescriptors(ctx context.Context, sess *session.Session) (Backup, error) {
	if err := requireVerified(sess); err != nil {
		return Backup{}, err
	}
	name := NameForUser(sess.User.ID)
	if err := s.EnsureLoaded(ctx, name); err != nil {
		return Backup{}, err
	}
	var list rpc.DescriptorList
	if err := s.rpc.CallResult(ctx, "listdescriptors", []any{true}, &list, rpc.WithWallet(name)); err != nil {
		return Backup{}, err
	}

	backup := Backup{
		Wallet:      name,
		CreatedAt:   s.now().UTC(),
		Descriptors: make([]BackupDescriptor, 0, len(list.Descriptors)),
	}
	for _, d := range list.Descriptors {
		bd := BackupDescriptor{
			Desc:      d.Desc,
			Timestamp: d.Timestamp,
			Range:     d.Range,
			Next:      d.Next,
		}
		if d.Internal != nil {
			bd.Internal = *d.Internal
		}
		backup.Descriptors = append(backup.Descriptors, bd)
	}
	return backup, nil
}

// ImportResult reports what the node made of an import.
type ImportResult struct {
	Wallet    string               `json:"wallet"`
	Imported  int                  `json:"imported"`
	Results   []rpc.ImportResponse `json:"results"`
	Rescanned bool                 `json:"rescanned"`
}

// normalizeImport turns backup entries into importdescriptors requests.
// Every entry becomes active; a missing timestamp means "now".
func normalizeImport(descs []BackupDescriptor) ([]rpc.ImportRequest, error) {
	reqs := make([]rpc.ImportRequest, 0, len(descs))
	for i, d := range descs {
		desc := strings.TrimSpace(d.Desc)
		if desc == "" {
			return nil, fmt.Errorf("%w: descriptor %d has no desc", ErrInvalidBackup, i)
		}
		ts := rpc.TimestampNow
		if d.Timestamp != nil {
			ts = *d.Timestamp
		}
		reqs = append(reqs, rpc.ImportRequest{
			Desc:      desc,
			Active:    true,
			Internal:  d.Internal,
			Timestamp: ts,
			Label:     d.Label,
			Range:     d.Range,
			NextIndex: d.Next,
		})
	}
	return reqs, nil
}

// ImportDescriptors restores a backup into the session user's wallet. The
// wallet must already exist; wallets from Create hold private keys, so the
// node accepts only descriptors with private keys and reports public-only
// entries as failed in Results. A full rescan is only issued when both the
// service allows it and rescan is set.
func (s *Service) ImportDescriptors(ctx context.Context, sess *session.Session, backup Backup, rescan bool) (ImportResult, error) {
	if err := requireVerified(sess); err != nil {
		return ImportResult{}, err
	}
	if len(backup.Descriptors) == 0 {
		return ImportResult{}, ErrMissingDescriptors
	}
	reqs, err := normalizeImport(backup.Descriptors)
	if err != nil {
		return ImportResult{}, err
	}

	name := NameForUser(sess.User.ID)
	if err := s.EnsureLoaded(ctx, name); err != nil {
		return ImportResult{}, err
	}
	var results []rpc.ImportResponse
	if err := s.rpc.CallResult(ctx, "importdescriptors", []any{reqs}, &results, rpc.WithWallet(name)); err != nil {
		return ImportResult{}, err
	}

	res := ImportResult{Wallet: name, Results: results}
	for _, r := range results {
		if r.Success {
			res.Imported++
		}
	}
	if rescan && s.rescanOnImport {
		if err := s.rpc.CallResult(ctx, "rescanblockchain", nil, nil, rpc.WithWallet(name)); err != nil {
			return res, fmt.Errorf("rescanning %q: %w", name, err)
		}
		res.Rescanned = true
	}
	return res, nil
}
