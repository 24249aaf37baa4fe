package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// BlockchainInfo is the getblockchaininfo result.
type BlockchainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	Difficulty           float64 `json:"difficulty"`
	Time                 int64   `json:"time,omitempty"`
	MedianTime           int64   `json:"mediantime"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
	SizeOnDisk           int64   `json:"size_on_disk"`
	Pruned               bool    `json:"pruned"`
	Warnings             any     `json:"warnings,omitempty"`
}

// NetworkInfo is the getnetworkinfo result.
type NetworkInfo struct {
	Version         int64   `json:"version"`
	Subversion      string  `json:"subversion"`
	ProtocolVersion int64   `json:"protocolversion"`
	Connections     int64   `json:"connections"`
	ConnectionsIn   int64   `json:"connections_in"`
	ConnectionsOut  int64   `json:"connections_out"`
	NetworkActive   bool    `json:"networkactive"`
	RelayFee        float64 `json:"relayfee"`
	IncrementalFee  float64 `json:"incrementalfee"`
}

// MempoolInfo is the getmempoolinfo result.
type MempoolInfo struct {
	Loaded        bool    `json:"loaded"`
	Size          int64   `json:"size"`
	Bytes         int64   `json:"bytes"`
	Usage         int64   `json:"usage"`
	TotalFee      float64 `json:"total_fee"`
	MaxMempool    int64   `json:"maxmempool"`
	MempoolMinFee float64 `json:"mempoolminfee"`
	MinRelayTxFee float64 `json:"minrelaytxfee"`
}

// BlockHeader is the verbose getblockheader result.
type BlockHeader struct {
	Hash              string  `json:"hash"`
	Confirmations     int64   `json:"confirmations"`
	Height            int64   `json:"height"`
	Version           int64   `json:"version"`
	MerkleRoot        string  `json:"merkleroot"`
	Time              int64   `json:"time"`
	MedianTime        int64   `json:"mediantime"`
	Nonce             uint64  `json:"nonce"`
	Bits              string  `json:"bits"`
	Difficulty        float64 `json:"difficulty"`
	NTx               int64   `json:"nTx"`
	PreviousBlockHash string  `json:"previousblockhash,omitempty"`
	NextBlockHash     string  `json:"nextblockhash,omitempty"`
	// Size is not part of the header result on every node; zero when absent.
	Size int64 `json:"size,omitempty"`
}

// Block is the getblock result at verbosity 1 (transaction ids only).
type Block struct {
	Hash              string   `json:"hash"`
	Confirmations     int64    `json:"confirmations"`
	Height            int64    `json:"height"`
	Version           int64    `json:"version"`
	MerkleRoot        string   `json:"merkleroot"`
	Time              int64    `json:"time"`
	MedianTime        int64    `json:"mediantime"`
	Difficulty        float64  `json:"difficulty"`
	Size              int64    `json:"size"`
	StrippedSize      int64    `json:"strippedsize"`
	Weight            int64    `json:"weight"`
	NTx               int64    `json:"nTx"`
	PreviousBlockHash string   `json:"previousblockhash,omitempty"`
	NextBlockHash     string   `json:"nextblockhash,omitempty"`
	Tx                []string `json:"tx"`
}

// ScanUnspent is one entry of a scantxoutset result. Some forks report the
// amount as "value"; both decode into Amount.
type ScanUnspent struct {
	TxID         string  `json:"txid"`
	Vout         int64   `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	Desc         string  `json:"desc"`
	Amount       float64 `json:"amount"`
	Coinbase     bool    `json:"coinbase,omitempty"`
	Height       int64   `json:"height"`
}

func (u *ScanUnspent) UnmarshalJSON(data []byte) error {
	type plain ScanUnspent
	var aux struct {
		plain
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*u = ScanUnspent(aux.plain)
	if u.Amount == 0 && aux.Value != nil {
		u.Amount = *aux.Value
	}
	return nil
}

// ScanResult is the scantxoutset "start" result. TotalAmount accepts the
// "totalamount" and "total" spellings used by forks.
type ScanResult struct {
	Success     bool          `json:"success"`
	TxOuts      int64         `json:"txouts"`
	Height      int64         `json:"height"`
	BestBlock   string        `json:"bestblock"`
	Unspents    []ScanUnspent `json:"unspents"`
	TotalAmount float64       `json:"total_amount"`
}

func (r *ScanResult) UnmarshalJSON(data []byte) error {
	type plain ScanResult
	var aux struct {
		plain
		TotalAmountAlt *float64 `json:"totalamount"`
		Total          *float64 `json:"total"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = ScanResult(aux.plain)
	if r.TotalAmount == 0 {
		switch {
		case aux.TotalAmountAlt != nil:
			r.TotalAmount = *aux.TotalAmountAlt
		case aux.Total != nil:
			r.TotalAmount = *aux.Total
		}
	}
	if r.Unspents == nil {
		r.Unspents = []ScanUnspent{}
	}
	return nil
}

// WalletInfo is the getwalletinfo result.
type WalletInfo struct {
	WalletName         string  `json:"walletname"`
	WalletVersion      int64   `json:"walletversion"`
	Format             string  `json:"format"`
	Balance            float64 `json:"balance"`
	UnconfirmedBalance float64 `json:"unconfirmed_balance"`
	ImmatureBalance    float64 `json:"immature_balance"`
	TxCount            int64   `json:"txcount"`
	KeypoolSize        int64   `json:"keypoolsize"`
	PrivateKeysEnabled bool    `json:"private_keys_enabled"`
	AvoidReuse         bool    `json:"avoid_reuse"`
	Descriptors        bool    `json:"descriptors"`
}

// WalletDir is the listwalletdir result.
type WalletDir struct {
	Wallets []struct {
		Name string `json:"name"`
	} `json:"wallets"`
}

// Names returns the on-disk wallet names.
func (d WalletDir) Names() []string {
	names := make([]string, 0, len(d.Wallets))
	for _, w := range d.Wallets {
		names = append(names, w.Name)
	}
	return names
}

// LoadWalletResult is the loadwallet / createwallet result.
type LoadWalletResult struct {
	Name    string `json:"name"`
	Warning string `json:"warning,omitempty"`
	// Newer nodes report a list instead of a single string.
	Warnings []string `json:"warnings,omitempty"`
}

// Transaction is one listtransactions entry.
type Transaction struct {
	Address       string   `json:"address,omitempty"`
	Category      string   `json:"category"`
	Amount        float64  `json:"amount"`
	Label         string   `json:"label,omitempty"`
	Vout          int64    `json:"vout"`
	Fee           *float64 `json:"fee,omitempty"`
	Confirmations int64    `json:"confirmations"`
	BlockHash     string   `json:"blockhash,omitempty"`
	BlockHeight   int64    `json:"blockheight,omitempty"`
	BlockTime     int64    `json:"blocktime,omitempty"`
	TxID          string   `json:"txid"`
	Time          int64    `json:"time"`
	TimeReceived  int64    `json:"timereceived"`
	Abandoned     bool     `json:"abandoned,omitempty"`
}

// Timestamp is a descriptor timestamp: a unix time or the literal "now".
type Timestamp struct {
	Now  bool
	Unix int64
}

// TimestampNow is the "now" timestamp.
var TimestampNow = Timestamp{Now: true}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Now {
		return []byte(`"now"`), nil
	}
	return []byte(strconv.FormatInt(t.Unix, 10)), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "now" {
			return fmt.Errorf("invalid timestamp %q", s)
		}
		*t = TimestampNow
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid timestamp %s", data)
	}
	*t = Timestamp{Unix: n}
	return nil
}

// Descriptor is one listdescriptors entry.
type Descriptor struct {
	Desc      string     `json:"desc"`
	Timestamp *Timestamp `json:"timestamp,omitempty"`
	Active    bool       `json:"active"`
	Internal  *bool      `json:"internal,omitempty"`
	Range     []int64    `json:"range,omitempty"`
	Next      *int64     `json:"next,omitempty"`
}

// DescriptorList is the listdescriptors result.
type DescriptorList struct {
	WalletName  string       `json:"wallet_name"`
	Descriptors []Descriptor `json:"descriptors"`
}

// ImportRequest is one importdescriptors request entry.
type ImportRequest struct {
	Desc      string    `json:"desc"`
	Active    bool      `json:"active"`
	Internal  bool      `json:"internal,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
	Label     string    `json:"label,omitempty"`
	Range     []int64   `json:"range,omitempty"`
	NextIndex *int64    `json:"next_index,omitempty"`
}

// ImportResponse is one importdescriptors result entry.
type ImportResponse struct {
	Success  bool            `json:"success"`
	Warnings []string        `json:"warnings,omitempty"`
	Error    json.RawMessage `json:"error,omitempty"`
}
