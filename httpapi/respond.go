package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/sandboxrt/hostd/core"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a core.ErrorKind onto the HTTP status spec.md's error
// handling design names for it.
func statusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindMissingProgram:
		return http.StatusNotFound
	case core.KindEncoding:
		return http.StatusBadRequest
	case core.KindLedgerInvariant:
		return http.StatusBadRequest
	case core.KindActionValidation:
		return http.StatusBadRequest
	case core.KindUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as a JSON {error} body with the status its kind
// maps to, defaulting to 500 for untyped errors.
func writeError(w http.ResponseWriter, err error) {
	kind, ok := core.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		status = statusFor(kind)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// actionResult is the {success, action, error?, tx_hash?} body POST
// /{id}/action always returns with HTTP 200: a dry-run rejection is a
// structured verdict, not an error status, and a committed action reports
// the action-writer's transaction hash.
type actionResult struct {
	Success bool             `json:"success"`
	Error   string           `json:"error,omitempty"`
	Action  *core.CallAction `json:"action,omitempty"`
	TxHash  string           `json:"tx_hash,omitempty"`
}

// writeActionRejected renders a failed http_post_action/dry-run/write as
// {success:false}. call is nil when http_post_action itself never managed
// to derive one (rejected before any action existed to report).
func writeActionRejected(w http.ResponseWriter, call *core.CallAction, err error) {
	writeJSON(w, http.StatusOK, actionResult{Success: false, Error: err.Error(), Action: call})
}

// writeActionAccepted renders a durably written action as {success:true}
// with the action-writer's transaction hash.
func writeActionAccepted(w http.ResponseWriter, call core.CallAction, txHash core.TxID) {
	writeJSON(w, http.StatusOK, actionResult{Success: true, Action: &call, TxHash: hex.EncodeToString(txHash[:])})
}
