package httpapi

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sandboxrt/hostd/core"
)

func idParam(r *http.Request) (core.ID, error) {
	return core.ParseID(mux.Vars(r)["id"])
}

func (s *Server) listPrograms(w http.ResponseWriter, r *http.Request) {
	var ids []core.ID
	err := s.rt.Store.View(func(tx *core.Tx) error {
		var err error
		ids, err = core.EnumeratePrograms(tx, 0, false)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"programs": ids})
}

func (s *Server) programInfo(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var info *core.FullInfo
	err = s.rt.Store.View(func(tx *core.Tx) error {
		info, err = core.NewController(tx, pid).Full()
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) programDesc(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var desc *core.Description
	err = s.rt.Store.View(func(tx *core.Tx) error {
		desc, err = core.NewController(tx, pid).Desc()
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) programMeta(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var meta *core.Metadata
	err = s.rt.Store.View(func(tx *core.Tx) error {
		meta, err = core.NewController(tx, pid).Meta()
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) programSymbols(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var symbols []string
	err = s.rt.Store.View(func(tx *core.Tx) error {
		symbols, err = s.rt.Cache.Symbols(tx, pid)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

func (s *Server) programPackage(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var raw []byte
	err = s.rt.Store.View(func(tx *core.Tx) error {
		raw, err = core.NewController(tx, pid).PackageInfo()
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if raw == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no package info recorded"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// packageField extracts one top-level field of the package descriptor,
// tolerating an absent descriptor or field as a plain 404 rather than an
// encoding error: not every program embeds def/source alongside its package.
func (s *Server) packageField(w http.ResponseWriter, r *http.Request, field string) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var raw []byte
	err = s.rt.Store.View(func(tx *core.Tx) error {
		raw, err = core.NewController(tx, pid).PackageInfo()
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if raw == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no package info recorded"})
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		writeError(w, core.Wrapf(core.KindEncoding, "packageField", err))
		return
	}
	v, ok := fields[field]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "package has no " + field})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(v)
}

func (s *Server) programPackageDef(w http.ResponseWriter, r *http.Request) {
	s.packageField(w, r, "def")
}

func (s *Server) programPackageSource(w http.ResponseWriter, r *http.Request) {
	s.packageField(w, r, "source")
}

func (s *Server) programCodeHash(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var hash []byte
	err = s.rt.Store.View(func(tx *core.Tx) error {
		hash, err = core.CodeHash(tx, pid)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if hash == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no compiled module for this program"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code_hash": hex.EncodeToString(hash)})
}

func (s *Server) programLogs(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, perPage := pageParams(r)
	var lines []core.LogLine
	var totalPages uint64
	err = s.rt.Store.Update(func(tx *core.RwTx) error {
		ring := core.NewLogRing(tx, pid)
		lines, totalPages, err = ring.GetLogsPaginated(page, perPage)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lines":       lines,
		"page":        page,
		"per_page":    perPage,
		"total_pages": totalPages,
	})
}

func (s *Server) programTxs(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, perPage := pageParams(r)
	var paginated *core.PaginatedActions
	err = s.rt.Store.Update(func(tx *core.RwTx) error {
		log := core.NewActionLog(tx, pid)
		paginated, err = log.GetPaginated(page, perPage)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paginated)
}

func (s *Server) programTx(w http.ResponseWriter, r *http.Request) {
	txID, err := parseHexTxID(mux.Vars(r)["tx_id"])
	if err != nil {
		writeError(w, err)
		return
	}

	var pid core.ID
	var idx uint64
	var found bool
	err = s.rt.Store.View(func(tx *core.Tx) error {
		var err error
		pid, idx, found, err = core.LookupByTx(tx, txID)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such transaction"})
		return
	}
	var record *core.ActionRecord
	err = s.rt.Store.Update(func(tx *core.RwTx) error {
		var err error
		record, err = core.NewActionLog(tx, pid).Get(idx)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if record == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such transaction"})
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func parseHexTxID(s string) (core.TxID, error) {
	var id core.TxID
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, core.Errf(core.KindEncoding, "parseHexTxID", "tx id must be %d hex characters", len(id)*2)
	}
	copy(id[:], raw)
	return id, nil
}

// postAction implements the http_post_action pipeline: the guest export
// validates the raw request body and derives a structured CallAction, that
// derived action is dry-run a second time against process_transaction, and
// only then handed to the injected action-writer to persist. The route
// never decodes a CallAction off the wire itself — a caller that could
// construct an arbitrary CallAction by hand would bypass whatever
// guest-side validation http_post_action performs.
func (s *Server) postAction(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, core.Wrapf(core.KindEncoding, "postAction", err))
		return
	}

	// There's no participant/auth model for an anonymous HTTP caller, so the
	// runtime attributes the action to the program itself.
	identity := pid

	call, err := s.rt.HTTPPostAction(pid, identity, "/", body)
	if err != nil {
		if kind, ok := core.KindOf(err); ok && (kind == core.KindDryRunFailure || kind == core.KindActionValidation) {
			writeActionRejected(w, nil, err)
			return
		}
		writeError(w, err)
		return
	}

	record, err := s.writer.Write(pid, identity, *call)
	if err != nil {
		if kind, ok := core.KindOf(err); ok && (kind == core.KindDryRunFailure || kind == core.KindActionValidation) {
			writeActionRejected(w, call, err)
			return
		}
		writeError(w, err)
		return
	}
	writeActionAccepted(w, *call, record.TxCtx.TxID)
}

// getState drives a contract or agent's http_get_state export, forwarding
// whatever path suffix and query string followed /{id}/state.
func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	prefix := "/" + mux.Vars(r)["id"] + "/state"
	path := strings.TrimPrefix(r.URL.Path, prefix)
	if path == "" {
		path = "/"
	}
	query := make(map[string]string, len(r.URL.Query()))
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}
	resp, err := s.rt.HTTPGetState(pid, core.StateQuery{Path: path, Query: query})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func (s *Server) listLedger(w http.ResponseWriter, r *http.Request) {
	var balances []core.Balances
	err := s.rt.Store.Update(func(tx *core.RwTx) error {
		var err error
		balances, err = core.NewLedger(tx).AllBalances()
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairs": balances})
}

func (s *Server) ledgerBalances(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p1, err := core.ParseID(vars["p1"])
	if err != nil {
		writeError(w, err)
		return
	}
	p2, err := core.ParseID(vars["p2"])
	if err != nil {
		writeError(w, err)
		return
	}
	var balances core.Balances
	err = s.rt.Store.Update(func(tx *core.RwTx) error {
		var err error
		balances, err = core.NewLedger(tx).BalancesFor(p1, p2)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// adminRequest is the body every administrative route decodes: the caller
// claiming to be the program's owner, plus whatever extra field that route
// needs.
type adminRequest struct {
	Caller   string `json:"caller"`
	NewOwner string `json:"new_owner,omitempty"`
	Code     string `json:"code,omitempty"` // base64-encoded wasm, upgrade only
}

func decodeAdminRequest(r *http.Request) (core.ID, adminRequest, error) {
	var req adminRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return core.ID{}, req, core.Wrapf(core.KindEncoding, "decodeAdminRequest", err)
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return core.ID{}, req, core.Wrapf(core.KindEncoding, "decodeAdminRequest", err)
	}
	caller, err := core.ParseID(req.Caller)
	if err != nil {
		return core.ID{}, req, err
	}
	return caller, req, nil
}

func (s *Server) transferOwnership(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, req, err := decodeAdminRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	newOwner, err := core.ParseID(req.NewOwner)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.rt.TransferOwnership(pid, caller, newOwner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": newOwner.String()})
}

func (s *Server) pauseProgram(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, _, err := decodeAdminRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.rt.PauseContract(pid, caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resumeProgram(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, _, err := decodeAdminRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.rt.ResumeContract(pid, caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) upgradeProgram(w http.ResponseWriter, r *http.Request) {
	pid, err := idParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	caller, req, err := decodeAdminRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	code, err := base64.StdEncoding.DecodeString(req.Code)
	if err != nil {
		writeError(w, core.Wrapf(core.KindEncoding, "upgradeProgram", err))
		return
	}
	if err := s.rt.UpgradeContract(pid, caller, code); err != nil {
		writeError(w, err)
		return
	}
	var hash []byte
	err = s.rt.Store.View(func(tx *core.Tx) error {
		hash, err = core.CodeHash(tx, pid)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code_hash": hex.EncodeToString(hash)})
}
