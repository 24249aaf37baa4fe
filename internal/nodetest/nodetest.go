// Package nodetest provides an in-process fake full node speaking the
// JSON-RPC 1.0 dialect the dashboard consumes.
package nodetest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
)

// GenesisHash is the block hash the fake chain reports at height 0.
const GenesisHash = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"

// Error is a node error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Handler answers one method. wallet is empty for node-level calls.
type Handler func(wallet string, params []json.RawMessage) (any, *Error)

// Call records one request the node received.
type Call struct {
	Method string
	Wallet string
	Params []json.RawMessage
}

// Node is a fake node. The zero value is not usable; call New.
type Node struct {
	User string
	Pass string

	mu       sync.Mutex
	handlers map[string]Handler
	calls    []Call

	// Wallet state.
	loaded   []string
	onDisk   []string
	broken   map[string]bool
	keyless  map[string]bool
	balances map[string]float64
	descs    map[string][]json.RawMessage
	imported map[string][]json.RawMessage
	addrSeq  int

	// Chain state.
	tip     int64
	Mempool []string
}

// New returns a node with chain and wallet methods registered. Requests
// must authenticate as user:pass.
func New(user, pass string) *Node {
	n := &Node{
		User:     user,
		Pass:     pass,
		handlers: make(map[string]Handler),
		broken:   make(map[string]bool),
		keyless:  make(map[string]bool),
		balances: make(map[string]float64),
		descs:    make(map[string][]json.RawMessage),
		imported: make(map[string][]json.RawMessage),
		tip:      2,
		Mempool:  []string{strings.Repeat("a", 64), strings.Repeat("b", 64), strings.Repeat("c", 64)},
	}
	n.registerChain()
	n.registerWallet()
	return n
}

// SetTip moves the chain tip.
func (n *Node) SetTip(h int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tip = h
}

// Tip returns the chain tip height.
func (n *Node) Tip() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tip
}

// Server starts an httptest server for the node.
func (n *Node) Server() *httptest.Server {
	return httptest.NewServer(n)
}

// Handle overrides or adds a method handler.
func (n *Node) Handle(method string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

// Calls returns a copy of every request received so far.
func (n *Node) Calls() []Call {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Call(nil), n.calls...)
}

// Called reports how many times method was invoked.
func (n *Node) Called(method string) int {
	count := 0
	for _, c := range n.Calls() {
		if c.Method == method {
			count++
		}
	}
	return count
}

// AddLoadedWallet marks a wallet as loaded (and present on disk).
func (n *Node) AddLoadedWallet(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loaded = append(n.loaded, name)
	n.onDisk = append(n.onDisk, name)
}

// AddDiskWallet marks a wallet as present on disk but not loaded. A broken
// wallet fails to load with the "not found" code.
func (n *Node) AddDiskWallet(name string, broken bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDisk = append(n.onDisk, name)
	n.broken[name] = broken
}

// SetDescriptors sets what listdescriptors returns for a wallet when asked
// for private descriptors. Without the private flag every xprv/tprv is
// reported as the matching xpub/tpub.
func (n *Node) SetDescriptors(wallet string, descs []json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.descs[wallet] = descs
}

// Imported returns the importdescriptors requests received for a wallet.
func (n *Node) Imported(wallet string) []json.RawMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]json.RawMessage(nil), n.imported[wallet]...)
}

type request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (n *Node) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte(n.User+":"+n.Pass))
	if r.Header.Get("Authorization") != want {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	wallet := strings.TrimPrefix(r.URL.Path, "/wallet/")
	if wallet == r.URL.Path {
		wallet = ""
	}

	n.mu.Lock()
	n.calls = append(n.calls, Call{Method: req.Method, Wallet: wallet, Params: req.Params})
	h, ok := n.handlers[req.Method]
	n.mu.Unlock()

	var (
		result any
		rpcErr *Error
	)
	if !ok {
		rpcErr = &Error{Code: -32601, Message: "Method not found"}
	} else {
		result, rpcErr = h(wallet, req.Params)
	}

	w.Header().Set("Content-Type", "application/json")
	if rpcErr != nil {
		// Mirrors the node: RPC errors come back as HTTP 500 (404 for
		// unknown methods and wallets) with a JSON body.
		status := http.StatusInternalServerError
		if rpcErr.Code == -32601 || rpcErr.Code == -18 {
			status = http.StatusNotFound
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"result": nil, "error": rpcErr, "id": req.ID})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"result": result, "error": nil, "id": req.ID})
}

func param[T any](params []json.RawMessage, i int, def T) T {
	if i >= len(params) {
		return def
	}
	var v T
	if err := json.Unmarshal(params[i], &v); err != nil {
		return def
	}
	return v
}

func blockHash(height int64) string {
	if height == 0 {
		return GenesisHash
	}
	return fmt.Sprintf("%064x", height)
}

func (n *Node) heightOf(hash string) (int64, bool) {
	for h := int64(0); h <= n.Tip(); h++ {
		if blockHash(h) == hash {
			return h, true
		}
	}
	return 0, false
}

func (n *Node) registerChain() {
	n.handlers["getblockchaininfo"] = func(string, []json.RawMessage) (any, *Error) {
		return map[string]any{
			"chain":                "main",
			"blocks":               n.Tip(),
			"headers":              n.Tip(),
			"bestblockhash":        blockHash(n.Tip()),
			"difficulty":           1,
			"mediantime":           1231006505,
			"initialblockdownload": false,
		}, nil
	}
	n.handlers["getnetworkinfo"] = func(string, []json.RawMessage) (any, *Error) {
		return map[string]any{"version": 270000, "subversion": "/Satoshi:27.0.0/", "connections": 8}, nil
	}
	n.handlers["getmempoolinfo"] = func(string, []json.RawMessage) (any, *Error) {
		return map[string]any{"loaded": true, "size": len(n.Mempool), "bytes": 750, "usage": 4096, "total_fee": 0.0003, "maxmempool": 300000000, "mempoolminfee": 0.00001}, nil
	}
	n.handlers["getrawmempool"] = func(string, []json.RawMessage) (any, *Error) {
		return n.Mempool, nil
	}
	n.handlers["getblockhash"] = func(_ string, params []json.RawMessage) (any, *Error) {
		h := param(params, 0, int64(-1))
		if h < 0 || h > n.Tip() {
			return nil, &Error{Code: -8, Message: "Block height out of range"}
		}
		return blockHash(h), nil
	}
	n.handlers["getblockheader"] = func(_ string, params []json.RawMessage) (any, *Error) {
		hash := param(params, 0, "")
		h, ok := n.heightOf(hash)
		if !ok {
			return nil, &Error{Code: -5, Message: "Block not found"}
		}
		hdr := map[string]any{
			"hash": hash, "height": h, "confirmations": n.Tip() - h + 1, "time": 1231006505 + h*600,
			"mediantime": 1231006505 + h*600, "difficulty": 1, "nTx": 1,
		}
		if h > 0 {
			hdr["previousblockhash"] = blockHash(h - 1)
		}
		if h < n.Tip() {
			hdr["nextblockhash"] = blockHash(h + 1)
		}
		return hdr, nil
	}
	n.handlers["getblock"] = func(_ string, params []json.RawMessage) (any, *Error) {
		hash := param(params, 0, "")
		h, ok := n.heightOf(hash)
		if !ok {
			return nil, &Error{Code: -5, Message: "Block not found"}
		}
		return map[string]any{
			"hash": hash, "height": h, "confirmations": n.Tip() - h + 1, "time": 1231006505 + h*600,
			"size": 285, "weight": 1140, "nTx": 1, "tx": []string{fmt.Sprintf("%064x", h+1000)},
		}, nil
	}
	n.handlers["getrawtransaction"] = func(_ string, params []json.RawMessage) (any, *Error) {
		txid := param(params, 0, "")
		if slices.Contains(n.Mempool, txid) {
			return map[string]any{"txid": txid, "size": 250, "vin": []any{}, "vout": []any{}}, nil
		}
		return nil, &Error{Code: -5, Message: "No such mempool or blockchain transaction. Use gettransaction for wallet transactions."}
	}
	n.handlers["scantxoutset"] = func(_ string, params []json.RawMessage) (any, *Error) {
		return map[string]any{
			"success": true, "txouts": 100, "height": n.Tip(), "bestblock": blockHash(n.Tip()),
			"unspents": []any{
				map[string]any{"txid": strings.Repeat("d", 64), "vout": 0, "scriptPubKey": "0014", "desc": "addr", "value": 1.5, "height": 1},
			},
			"totalamount": 1.5,
		}, nil
	}
}

func (n *Node) registerWallet() {
	n.handlers["listwallets"] = func(string, []json.RawMessage) (any, *Error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		return append([]string{}, n.loaded...), nil
	}
	n.handlers["listwalletdir"] = func(string, []json.RawMessage) (any, *Error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		wallets := make([]map[string]string, 0, len(n.onDisk))
		for _, name := range n.onDisk {
			wallets = append(wallets, map[string]string{"name": name})
		}
		return map[string]any{"wallets": wallets}, nil
	}
	n.handlers["loadwallet"] = func(_ string, params []json.RawMessage) (any, *Error) {
		name := param(params, 0, "")
		n.mu.Lock()
		defer n.mu.Unlock()
		if slices.Contains(n.loaded, name) {
			return nil, &Error{Code: -35, Message: "Wallet \"" + name + "\" is already loaded."}
		}
		if !slices.Contains(n.onDisk, name) || n.broken[name] {
			return nil, &Error{Code: -18, Message: "Wallet file verification failed. Failed to load database path. Path does not exist."}
		}
		n.loaded = append(n.loaded, name)
		return map[string]any{"name": name}, nil
	}
	n.handlers["createwallet"] = func(_ string, params []json.RawMessage) (any, *Error) {
		name := param(params, 0, "")
		n.mu.Lock()
		defer n.mu.Unlock()
		if slices.Contains(n.onDisk, name) {
			return nil, &Error{Code: -4, Message: "Wallet file verification failed. Failed to create database path. Database already exists."}
		}
		n.onDisk = append(n.onDisk, name)
		n.loaded = append(n.loaded, name)
		n.keyless[name] = param(params, 1, false)
		return map[string]any{"name": name}, nil
	}
	n.handlers["getwalletinfo"] = func(wallet string, _ []json.RawMessage) (any, *Error) {
		if err := n.requireLoaded(wallet); err != nil {
			return nil, err
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		return map[string]any{
			"walletname": wallet, "balance": n.balances[wallet], "unconfirmed_balance": 0,
			"txcount": 0, "descriptors": true, "private_keys_enabled": true,
		}, nil
	}
	n.handlers["getbalances"] = func(wallet string, _ []json.RawMessage) (any, *Error) {
		if err := n.requireLoaded(wallet); err != nil {
			return nil, err
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		return map[string]any{"mine": map[string]any{"trusted": n.balances[wallet], "untrusted_pending": 0, "immature": 0}}, nil
	}
	n.handlers["getnewaddress"] = func(wallet string, _ []json.RawMessage) (any, *Error) {
		if err := n.requireLoaded(wallet); err != nil {
			return nil, err
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		n.addrSeq++
		return fmt.Sprintf("bc1qfake%04d", n.addrSeq), nil
	}
	n.handlers["listtransactions"] = func(wallet string, _ []json.RawMessage) (any, *Error) {
		if err := n.requireLoaded(wallet); err != nil {
			return nil, err
		}
		return []any{}, nil
	}
	n.handlers["sendtoaddress"] = func(wallet string, params []json.RawMessage) (any, *Error) {
		if err := n.requireLoaded(wallet); err != nil {
			return nil, err
		}
		return strings.Repeat("e", 64), nil
	}
	n.handlers["listdescriptors"] = func(wallet string, params []json.RawMessage) (any, *Error) {
		if err := n.requireLoaded(wallet); err != nil {
			return nil, err
		}
		private := param(params, 0, false)
		n.mu.Lock()
		defer n.mu.Unlock()
		descs := make([]json.RawMessage, 0, len(n.descs[wallet]))
		for _, d := range n.descs[wallet] {
			if !private {
				d = json.RawMessage(publicForm(string(d)))
			}
			descs = append(descs, d)
		}
		return map[string]any{"wallet_name": wallet, "descriptors": descs}, nil
	}
	n.handlers["importdescriptors"] = func(wallet string, params []json.RawMessage) (any, *Error) {
		if err := n.requireLoaded(wallet); err != nil {
			return nil, err
		}
		reqs := param(params, 0, []json.RawMessage{})
		n.mu.Lock()
		defer n.mu.Unlock()
		results := make([]map[string]any, len(reqs))
		for i, raw := range reqs {
			var req struct {
				Desc string `json:"desc"`
			}
			json.Unmarshal(raw, &req)
			if !n.keyless[wallet] && !hasPrivateKey(req.Desc) {
				results[i] = map[string]any{"success": false, "error": Error{
					Code:    -4,
					Message: "Cannot import descriptor without private keys to a wallet with private keys enabled",
				}}
				continue
			}
			n.imported[wallet] = append(n.imported[wallet], raw)
			results[i] = map[string]any{"success": true}
		}
		return results, nil
	}
	n.handlers["rescanblockchain"] = func(wallet string, _ []json.RawMessage) (any, *Error) {
		return map[string]any{"start_height": 0, "stop_height": n.Tip()}, nil
	}
}

func hasPrivateKey(desc string) bool {
	return strings.Contains(desc, "xprv") || strings.Contains(desc, "tprv")
}

func publicForm(desc string) string {
	return strings.NewReplacer("xprv", "xpub", "tprv", "tpub").Replace(desc)
}

func (n *Node) requireLoaded(wallet string) *Error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !slices.Contains(n.loaded, wallet) {
		return &Error{Code: -18, Message: "Requested wallet does not exist or is not loaded"}
	}
	return nil
}
