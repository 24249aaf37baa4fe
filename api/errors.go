package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/nodedash/node"
	"github.com/jmcleod/nodedash/rpc"
	"github.com/jmcleod/nodedash/session"
	"github.com/jmcleod/nodedash/storage"
	"github.com/jmcleod/nodedash/wallet"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, ErrorResponse{Error: code})
}

// writeNodeError reports a failed node call. The node's message is passed
// through untouched.
func writeNodeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, NodeErrorResponse{OK: false, Error: err.Error()})
}

func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error")
}

// errorCode maps a domain error onto its HTTP status and machine-readable
// code. ok is false for errors with no dedicated mapping.
func errorCode(err error) (status int, code string, ok bool) {
	var loadErr *wallet.LoadError
	switch {
	case errors.Is(err, session.ErrNotLoggedIn):
		return http.StatusUnauthorized, "not_logged_in", true
	case errors.Is(err, session.ErrSessionExpired):
		return http.StatusUnauthorized, "session_expired", true
	case errors.Is(err, session.ErrTOTPRequired):
		return http.StatusUnauthorized, "totp_required", true
	case errors.Is(err, session.ErrInvalidLogin):
		return http.StatusUnauthorized, "invalid_login", true
	case errors.Is(err, session.ErrSpendLocked):
		return http.StatusForbidden, "spend_locked", true
	case errors.Is(err, wallet.ErrTOTPNotVerified):
		return http.StatusForbidden, "totp_not_verified", true
	case errors.Is(err, session.ErrMissingFields):
		return http.StatusBadRequest, "missing_fields", true
	case errors.Is(err, session.ErrPasswordTooLong):
		return http.StatusBadRequest, "password_too_long", true
	case errors.Is(err, session.ErrInvalidCode):
		return http.StatusBadRequest, "invalid_code", true
	case errors.Is(err, session.ErrWrongCode):
		return http.StatusBadRequest, "wrong_code", true
	case errors.Is(err, session.ErrTOTPNotEnrolled):
		return http.StatusBadRequest, "not_enrolled", true
	case errors.Is(err, session.ErrTOTPNotEnabled):
		return http.StatusBadRequest, "not_enabled", true
	case errors.Is(err, session.ErrTOTPNotPending):
		return http.StatusBadRequest, "totp_not_pending", true
	case errors.Is(err, session.ErrInvalidIdleTimeout):
		return http.StatusBadRequest, "invalid_idle_timeout", true
	case errors.Is(err, storage.ErrUsernameTaken):
		return http.StatusConflict, "username_taken", true
	case errors.Is(err, wallet.ErrWalletMissing):
		return http.StatusNotFound, "wallet_missing", true
	case errors.As(err, &loadErr):
		return http.StatusInternalServerError, "wallet_load_failed", true
	case errors.Is(err, wallet.ErrMissingDescriptors):
		return http.StatusBadRequest, "missing_descriptors", true
	case errors.Is(err, wallet.ErrInvalidBackup):
		return http.StatusBadRequest, "invalid_backup", true
	case errors.Is(err, wallet.ErrInvalidSend):
		return http.StatusBadRequest, "invalid_address_or_amount", true
	case errors.Is(err, node.ErrInvalidHash):
		return http.StatusBadRequest, "invalid_hash", true
	case errors.Is(err, node.ErrInvalidHeight):
		return http.StatusBadRequest, "invalid_height", true
	case errors.Is(err, node.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_address", true
	case errors.Is(err, rpc.ErrAuthUnavailable):
		return http.StatusInternalServerError, "rpc_auth_unavailable", true
	}
	return 0, "", false
}

func mapError(w http.ResponseWriter, err error) {
	status, code, ok := errorCode(err)
	if !ok {
		// Node and transport failures carry the node's own message.
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	resp := ErrorResponse{Error: code}
	if status == http.StatusInternalServerError {
		resp.Message = err.Error()
	}
	writeJSON(w, status, resp)
}

// mapWalletError is mapError plus the wallet name on wallet_missing so the
// UI can offer to create it.
func mapWalletError(w http.ResponseWriter, name string, err error) {
	if errors.Is(err, wallet.ErrWalletMissing) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "wallet_missing", Wallet: name})
		return
	}
	mapError(w, err)
}
