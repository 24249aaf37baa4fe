package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/nodedash/node"
)

// writeExplorerError sends input errors with their own code and everything
// else as a node failure.
func writeExplorerError(w http.ResponseWriter, err error) {
	if status, _, ok := errorCode(err); ok && status < http.StatusInternalServerError {
		mapError(w, err)
		return
	}
	writeNodeError(w, err)
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := a.node.BlockchainInfo(r.Context()); err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// ListBlocks handles GET /blocks?limit=.
func (a *API) ListBlocks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 1, a.limits.BlocksMax, min(defaultBlocksLimit, a.limits.BlocksMax))
	tip, blocks, err := a.node.RecentBlocks(r.Context(), limit)
	if err != nil {
		writeExplorerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BlocksResponse{Tip: tip, Blocks: blocks})
}

// GetBlock handles GET /block/{id}; id is a height or a block hash.
func (a *API) GetBlock(w http.ResponseWriter, r *http.Request) {
	block, err := a.node.BlockByID(r.Context(), strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		writeExplorerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, block)
}

// GetTransaction handles GET /tx/{txid}. Transactions the node cannot find
// get a 404 with a hint about -txindex.
func (a *API) GetTransaction(w http.ResponseWriter, r *http.Request) {
	raw, err := a.node.RawTransaction(r.Context(), strings.TrimSpace(chi.URLParam(r, "txid")))
	if err != nil {
		if node.IsTxNotFound(err) {
			writeJSON(w, http.StatusNotFound, NodeErrorResponse{OK: false, Error: err.Error(), Hint: node.TxIndexHint})
			return
		}
		writeExplorerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// GetMempool handles GET /mempool?limit=.
func (a *API) GetMempool(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 1, a.limits.MempoolMax, min(defaultMempoolLimit, a.limits.MempoolMax))
	view, err := a.node.MempoolSample(r.Context(), limit)
	if err != nil {
		writeExplorerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ScanAddress handles GET /address/{addr}.
func (a *API) ScanAddress(w http.ResponseWriter, r *http.Request) {
	scan, err := a.node.ScanAddress(r.Context(), strings.TrimSpace(chi.URLParam(r, "addr")))
	if err != nil {
		writeExplorerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// redirectTo sends short links on to the JSON endpoint under prefix.
func redirectTo(prefix, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix+url.PathEscape(chi.URLParam(r, param)), http.StatusFound)
	}
}
