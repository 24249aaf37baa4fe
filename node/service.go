// Package node is a typed facade over the node's read-only RPCs, used by the
// dashboard, the explorer and the event stream.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/nodedash/rpc"
)

var (
	// ErrInvalidHash is returned for a block hash or txid that is not 64 hex characters.
	ErrInvalidHash = errors.New("invalid hash")
	// ErrInvalidHeight is returned for an all-digit block id outside the int64 range.
	ErrInvalidHeight = errors.New("invalid height")
	// ErrInvalidAddress is returned for an address that cannot be put in a scan descriptor.
	ErrInvalidAddress = errors.New("invalid address")
)

// TxIndexHint is shown when a transaction lookup fails with not-found.
const TxIndexHint = "If this tx is confirmed and not in mempool, enable -txindex=1 on the node and reindex."

// ScanNote explains what an address lookup returns.
const ScanNote = "This is a UTXO scan (current unspent outputs). Full transaction history requires an indexer."

// Caller is the subset of rpc.Client the facade needs.
type Caller interface {
	CallResult(ctx context.Context, method string, params []any, out any, opts ...rpc.CallOption) error
}

// Service wraps node queries. One instance is shared by every consumer.
type Service struct {
	rpc Caller
	now func() time.Time
}

// NewService returns a facade over c.
func NewService(c Caller) *Service {
	return &Service{rpc: c, now: time.Now}
}

func (s *Service) BlockchainInfo(ctx context.Context) (rpc.BlockchainInfo, error) {
	var out rpc.BlockchainInfo
	err := s.rpc.CallResult(ctx, "getblockchaininfo", nil, &out)
	return out, err
}

func (s *Service) NetworkInfo(ctx context.Context) (rpc.NetworkInfo, error) {
	var out rpc.NetworkInfo
	err := s.rpc.CallResult(ctx, "getnetworkinfo", nil, &out)
	return out, err
}

func (s *Service) MempoolInfo(ctx context.Context) (rpc.MempoolInfo, error) {
	var out rpc.MempoolInfo
	err := s.rpc.CallResult(ctx, "getmempoolinfo", nil, &out)
	return out, err
}

// BestHeight returns the height of the chain tip.
func (s *Service) BestHeight(ctx context.Context) (int64, error) {
	info, err := s.BlockchainInfo(ctx)
	if err != nil {
		return 0, err
	}
	return info.Blocks, nil
}

func (s *Service) BlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	err := s.rpc.CallResult(ctx, "getblockhash", []any{height}, &hash)
	return hash, err
}

func (s *Service) BlockHeader(ctx context.Context, hash string) (rpc.BlockHeader, error) {
	var out rpc.BlockHeader
	if err := validateHash(hash); err != nil {
		return out, err
	}
	err := s.rpc.CallResult(ctx, "getblockheader", []any{hash, true}, &out)
	return out, err
}

// Block fetches a block at verbosity 1 (transaction ids only).
func (s *Service) Block(ctx context.Context, hash string) (rpc.Block, error) {
	var out rpc.Block
	if err := validateHash(hash); err != nil {
		return out, err
	}
	err := s.rpc.CallResult(ctx, "getblock", []any{hash, 1}, &out)
	return out, err
}

// BlockByID resolves id as a height when it is all digits and as a hash
// otherwise.
func (s *Service) BlockByID(ctx context.Context, id string) (rpc.Block, error) {
	hash := id
	if isDigits(id) {
		height, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return rpc.Block{}, fmt.Errorf("%w: %q: %v", ErrInvalidHeight, id, err)
		}
		if hash, err = s.BlockHash(ctx, height); err != nil {
			return rpc.Block{}, err
		}
	}
	return s.Block(ctx, hash)
}

// BlockSummary is one row of the recent blocks list.
type BlockSummary struct {
	Height            int64   `json:"height"`
	Hash              string  `json:"hash"`
	Time              int64   `json:"time"`
	MedianTime        int64   `json:"mediantime"`
	Confirmations     int64   `json:"confirmations"`
	Difficulty        float64 `json:"difficulty"`
	TxCount           int64   `json:"tx_count"`
	PreviousBlockHash string  `json:"previousblockhash,omitempty"`
	NextBlockHash     string  `json:"nextblockhash,omitempty"`
	Size              int64   `json:"size,omitempty"`
}

// RecentBlocks returns the tip height and up to limit blocks in descending
// height order, starting at the tip.
func (s *Service) RecentBlocks(ctx context.Context, limit int) (int64, []BlockSummary, error) {
	tip, err := s.BestHeight(ctx)
	if err != nil {
		return 0, nil, err
	}
	blocks := make([]BlockSummary, 0, limit)
	for h := tip; h > tip-int64(limit) && h >= 0; h-- {
		hash, err := s.BlockHash(ctx, h)
		if err != nil {
			return 0, nil, err
		}
		hdr, err := s.BlockHeader(ctx, hash)
		if err != nil {
			return 0, nil, err
		}
		blocks = append(blocks, BlockSummary{
			Height:            h,
			Hash:              hash,
			Time:              hdr.Time,
			MedianTime:        hdr.MedianTime,
			Confirmations:     hdr.Confirmations,
			Difficulty:        hdr.Difficulty,
			TxCount:           hdr.NTx,
			PreviousBlockHash: hdr.PreviousBlockHash,
			NextBlockHash:     hdr.NextBlockHash,
			Size:              hdr.Size,
		})
	}
	return tip, blocks, nil
}

func (s *Service) RawMempool(ctx context.Context) ([]string, error) {
	var txids []string
	err := s.rpc.CallResult(ctx, "getrawmempool", []any{false}, &txids)
	return txids, err
}

// MempoolView is the mempool summary plus a bounded txid sample.
type MempoolView struct {
	Info       rpc.MempoolInfo `json:"info"`
	Sample     []string        `json:"sample"`
	TotalTxIDs int             `json:"total_txids"`
}

func (s *Service) MempoolSample(ctx context.Context, limit int) (MempoolView, error) {
	var (
		view  MempoolView
		txids []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		view.Info, err = s.MempoolInfo(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		txids, err = s.RawMempool(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return MempoolView{}, err
	}
	view.TotalTxIDs = len(txids)
	view.Sample = txids[:min(limit, len(txids))]
	if view.Sample == nil {
		view.Sample = []string{}
	}
	return view, nil
}

// RawTransaction returns the verbose transaction as the node reported it.
func (s *Service) RawTransaction(ctx context.Context, txid string) (json.RawMessage, error) {
	if err := validateHash(txid); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	err := s.rpc.CallResult(ctx, "getrawtransaction", []any{txid, true}, &raw)
	return raw, err
}

// IsTxNotFound reports whether err is the node's "no such transaction" error.
func IsTxNotFound(err error) bool {
	return rpc.HasCode(err, rpc.CodeInvalidAddressOrKey)
}

// AddressScan is the result of a UTXO set scan for one address.
type AddressScan struct {
	Address     string            `json:"address"`
	Height      int64             `json:"height"`
	BestBlock   string            `json:"bestblock"`
	TxOuts      int64             `json:"txouts"`
	TotalAmount float64           `json:"total_amount"`
	Unspents    []rpc.ScanUnspent `json:"unspents"`
	Raw         json.RawMessage   `json:"raw"`
	Note        string            `json:"note"`
}

// ScanAddress scans the current UTXO set for outputs paying addr.
func (s *Service) ScanAddress(ctx context.Context, addr string) (AddressScan, error) {
	if !validAddress(addr) {
		return AddressScan{}, ErrInvalidAddress
	}
	var raw json.RawMessage
	if err := s.rpc.CallResult(ctx, "scantxoutset", []any{"start", []string{"addr(" + addr + ")"}}, &raw); err != nil {
		return AddressScan{}, err
	}
	var res rpc.ScanResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return AddressScan{}, &rpc.DecodeError{Method: "scantxoutset", Err: err}
	}
	return AddressScan{
		Address:     addr,
		Height:      res.Height,
		BestBlock:   res.BestBlock,
		TxOuts:      res.TxOuts,
		TotalAmount: res.TotalAmount,
		Unspents:    res.Unspents,
		Raw:         raw,
		Note:        ScanNote,
	}, nil
}

// MempoolStats is the mempool portion of a Stats snapshot.
type MempoolStats struct {
	Size          int64   `json:"size"`
	Usage         int64   `json:"usage"`
	Bytes         int64   `json:"bytes"`
	TotalFee      float64 `json:"total_fee"`
	MaxMempool    int64   `json:"maxmempool"`
	MempoolMinFee float64 `json:"mempoolminfee"`
}

// Stats is the periodic snapshot pushed on the event stream.
type Stats struct {
	Tip     int64        `json:"tip"`
	Headers int64        `json:"headers"`
	Chain   string       `json:"chain"`
	IBD     bool         `json:"ibd"`
	Peers   int64        `json:"peers"`
	Mempool MempoolStats `json:"mempool"`
	T       int64        `json:"t"`
}

// Stats gathers chain, mempool and network info concurrently.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var (
		bc  rpc.BlockchainInfo
		mem rpc.MempoolInfo
		net rpc.NetworkInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { bc, err = s.BlockchainInfo(gctx); return })
	g.Go(func() (err error) { mem, err = s.MempoolInfo(gctx); return })
	g.Go(func() (err error) { net, err = s.NetworkInfo(gctx); return })
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	return Stats{
		Tip:     bc.Blocks,
		Headers: bc.Headers,
		Chain:   bc.Chain,
		IBD:     bc.InitialBlockDownload,
		Peers:   net.Connections,
		Mempool: MempoolStats{
			Size:          mem.Size,
			Usage:         mem.Usage,
			Bytes:         mem.Bytes,
			TotalFee:      mem.TotalFee,
			MaxMempool:    mem.MaxMempool,
			MempoolMinFee: mem.MempoolMinFee,
		},
		T: s.now().UnixMilli(),
	}, nil
}

// Overview is the node health summary rendered on the landing page and by
// the status command.
type Overview struct {
	Blockchain rpc.BlockchainInfo `json:"blockchain" yaml:"blockchain"`
	Network    rpc.NetworkInfo    `json:"network" yaml:"network"`
	Mempool    rpc.MempoolInfo    `json:"mempool" yaml:"mempool"`
}

func (s *Service) Overview(ctx context.Context) (Overview, error) {
	var o Overview
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { o.Blockchain, err = s.BlockchainInfo(gctx); return })
	g.Go(func() (err error) { o.Network, err = s.NetworkInfo(gctx); return })
	g.Go(func() (err error) { o.Mempool, err = s.MempoolInfo(gctx); return })
	if err := g.Wait(); err != nil {
		return Overview{}, err
	}
	return o, nil
}

func validateHash(s string) error {
	if len(s) != chainhash.MaxHashStringSize {
		return fmt.Errorf("%w: %q", ErrInvalidHash, s)
	}
	if _, err := chainhash.NewHashFromStr(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// validAddress accepts base58 and bech32 character sets only, so the
// address cannot break out of the addr() descriptor.
func validAddress(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}
