package core

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// Guest export names a contract module links against. The runtime drives
// exactly one per invocation.
const (
	ExportProcessIntroduction = "process_introduction"
	ExportProcessTransaction  = "process_transaction"
	ExportProcessRevocation   = "process_revocation"
	ExportHTTPGetState        = "http_get_state"
	ExportHTTPPostAction      = "http_post_action"
)

// Runtime owns the store and program cache and drives guest invocations. It
// carries no HTTP or CLI concerns; httpapi and cmd/hostd both sit on top of
// it.
type Runtime struct {
	Store *Store
	Cache *ProgramCache
	Log   *logrus.Logger
}

// NewRuntime wires a Runtime over an already-open store and program cache.
func NewRuntime(store *Store, cache *ProgramCache, log *logrus.Logger) *Runtime {
	return &Runtime{Store: store, Cache: cache, Log: log}
}

func (rt *Runtime) buildVMState(tx *RwTx, pid ID, isAgent bool, caps Capabilities) *VMState {
	return &VMState{
		Registers: NewRegisters(),
		ProgramID: pid,
		Tx:        tx,
		Log:       rt.Log.WithField("program_id", pid.String()),
		Ring:      NewLogRing(tx, pid),
		Cache:     rt.Cache,
		IsAgent:   isAgent,
		Caps:      caps,
	}
}

// invokeExport calls a zero-argument, single i32-returning guest export and
// normalizes wasmer-go's loosely-typed call result.
func invokeExport(inst *wasmer.Instance, name string) (int32, error) {
	fn, err := inst.Exports.GetFunction(name)
	if err != nil {
		return 0, Errf(KindMissingExport, "invokeExport", "program exports no %s: %w", name, err)
	}
	ret, err := fn()
	if err != nil {
		return 0, Wrapf(KindBytecode, "invokeExport", err)
	}
	switch v := ret.(type) {
	case int32:
		return v, nil
	case nil:
		return 0, nil
	default:
		return 0, Errf(KindMissingExport, "invokeExport", "%s returned unexpected type %T", name, ret)
	}
}

func instantiateFor(rt *Runtime, tx *RwTx, pid ID, vs *VMState) (*wasmer.Instance, error) {
	mod, err := rt.Cache.Get(tx, pid)
	if err != nil {
		return nil, err
	}
	return rt.Cache.Instantiate(mod, vs)
}

// asReadTx views an RwTx's reads through a Tx, for callers that only need
// Controller-style read access inside a transaction already open for write.
func asReadTx(tx *RwTx) *Tx { return &Tx{tx: tx.tx} }

// validateCallAction rejects a call against a program's declared
// MethodTable (if any) before any guest code runs, surfacing a method-id
// collision or typo as KindActionValidation instead of a guest trap.
func validateCallAction(tx *RwTx, pid ID, call CallAction) error {
	table, err := NewController(asReadTx(tx), pid).MethodTable()
	if err != nil || table == nil {
		return err
	}
	_, err = table.Resolve(call)
	return err
}

func programExists(tx *RwTx, pid ID) (bool, error) {
	return tx.Has(SubDBContract, SystemKey(pid, BaseKeyMetadata, MetaSubKeyID).Bytes())
}

func programRevoked(tx *RwTx, pid ID) (bool, error) {
	raw, err := tx.Get(SubDBContract, SystemKey(pid, BaseKeyMetadata, MetaSubKeyRevoked).Bytes())
	if err != nil {
		return false, Wrapf(KindStorage, "programRevoked", err)
	}
	if raw == nil {
		return false, nil
	}
	var revoked bool
	if err := json.Unmarshal(raw, &revoked); err != nil {
		return false, Wrapf(KindEncoding, "programRevoked", err)
	}
	return revoked, nil
}

func programPaused(tx *RwTx, pid ID) (bool, error) {
	raw, err := tx.Get(SubDBContract, SystemKey(pid, BaseKeyMetadata, MetaSubKeyPaused).Bytes())
	if err != nil {
		return false, Wrapf(KindStorage, "programPaused", err)
	}
	if raw == nil {
		return false, nil
	}
	var paused bool
	if err := json.Unmarshal(raw, &paused); err != nil {
		return false, Wrapf(KindEncoding, "programPaused", err)
	}
	return paused, nil
}

func programCapabilities(tx *RwTx, pid ID) (Capabilities, error) {
	raw, err := tx.Get(SubDBContract, SystemKey(pid, BaseKeyMetadata, MetaSubKeyCapabilities).Bytes())
	if err != nil {
		return Capabilities{}, Wrapf(KindStorage, "programCapabilities", err)
	}
	if raw == nil {
		return Capabilities{}, nil
	}
	var caps Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return Capabilities{}, Wrapf(KindEncoding, "programCapabilities", err)
	}
	return caps, nil
}

// requireLive rejects an invocation against an unknown, revoked or paused
// program before any guest code runs.
func requireLive(tx *RwTx, pid ID) error {
	exists, err := programExists(tx, pid)
	if err != nil {
		return err
	}
	if !exists {
		return Errf(KindMissingProgram, "requireLive", "no such program %s", pid)
	}
	revoked, err := programRevoked(tx, pid)
	if err != nil {
		return err
	}
	if revoked {
		return Errf(KindActionValidation, "requireLive", "program %s is revoked", pid)
	}
	paused, err := programPaused(tx, pid)
	if err != nil {
		return err
	}
	if paused {
		return Errf(KindActionValidation, "requireLive", "program %s is paused", pid)
	}
	return nil
}

// IntroduceContract installs code under intro.ID, populates its metadata
// base key, and drives process_introduction so the guest materializes its
// initial state. Introduction is strictly once-per-id: re-introducing an
// existing id is rejected rather than silently reinitializing it.
func (rt *Runtime) IntroduceContract(intro Introduction, owner ID, code []byte) error {
	return rt.Store.Update(func(tx *RwTx) error {
		exists, err := programExists(tx, intro.ID)
		if err != nil {
			return err
		}
		if exists {
			return Errf(KindActionValidation, "IntroduceContract", "program %s already introduced", intro.ID)
		}
		if err := rt.Cache.Install(tx, intro.ID, code); err != nil {
			return err
		}
		if err := WriteIntroduction(tx, intro, owner); err != nil {
			return err
		}
		vs := rt.buildVMState(tx, intro.ID, false, Capabilities{})
		vs.Registers.Set(RegisterInput, intro.InitialState)
		inst, err := instantiateFor(rt, tx, intro.ID, vs)
		if err != nil {
			return err
		}
		code, err := invokeExport(inst, ExportProcessIntroduction)
		if err != nil {
			return err
		}
		if vs.Trapped() != nil {
			return Wrapf(KindBytecode, "IntroduceContract", vs.Trapped())
		}
		if code != 0 {
			return Errf(KindActionValidation, "IntroduceContract", "process_introduction rejected: exit %d", code)
		}
		return nil
	})
}

// runContractTransaction invokes process_transaction against tx, with the
// registers process_transaction reads populated from writer/txCtx/blockCtx/
// payload. It does not itself commit the action log; callers decide that.
func runContractTransaction(rt *Runtime, tx *RwTx, pid, writer ID, txCtx TxContext, blockCtx, payload []byte) error {
	if err := requireLive(tx, pid); err != nil {
		return err
	}
	vs := rt.buildVMState(tx, pid, false, Capabilities{})
	vs.Registers.Set(RegisterInput, payload)
	vs.Registers.Set(RegisterWriter, writer.Bytes())
	txCtxBuf, err := json.Marshal(txCtx)
	if err != nil {
		return Wrapf(KindEncoding, "runContractTransaction", err)
	}
	vs.Registers.Set(RegisterTxContext, txCtxBuf)
	vs.Registers.Set(RegisterBlockCtx, blockCtx)
	vs.OnLedgerEntry = func(raw []byte) error {
		var entry LedgerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return Wrapf(KindEncoding, "OnLedgerEntry", err)
		}
		return NewLedger(tx).CommitEntry(entry, pid, txCtx)
	}

	inst, err := instantiateFor(rt, tx, pid, vs)
	if err != nil {
		return err
	}
	exit, err := invokeExport(inst, ExportProcessTransaction)
	if err != nil {
		return err
	}
	if vs.Trapped() != nil {
		return Wrapf(KindBytecode, "runContractTransaction", vs.Trapped())
	}
	if exit != 0 {
		return Errf(KindActionValidation, "runContractTransaction", "process_transaction rejected: exit %d", exit)
	}
	return nil
}

// ExecuteContractAction runs the dry-run-then-commit action pipeline: the
// guest executes against a scratch transaction first, and only on success
// does the runtime run it again for real and append the action log entry.
func (rt *Runtime) ExecuteContractAction(pid, writer ID, txID TxID, blockCtx []byte, call CallAction) (*ActionRecord, error) {
	payload, err := json.Marshal(call)
	if err != nil {
		return nil, Wrapf(KindEncoding, "ExecuteContractAction", err)
	}
	dryTxCtx := TxContext{TxID: txID}
	if err := rt.Store.DryRun(func(tx *RwTx) error {
		if err := validateCallAction(tx, pid, call); err != nil {
			return err
		}
		return runContractTransaction(rt, tx, pid, writer, dryTxCtx, blockCtx, payload)
	}); err != nil {
		return nil, Wrapf(KindDryRunFailure, "ExecuteContractAction", err)
	}

	var record ActionRecord
	err = rt.Store.Update(func(tx *RwTx) error {
		log := NewActionLog(tx, pid)
		length, err := log.Len()
		if err != nil {
			return err
		}
		txCtx := TxContext{TxID: txID, Index: length}
		if err := runContractTransaction(rt, tx, pid, writer, txCtx, blockCtx, payload); err != nil {
			return err
		}
		record, err = log.Commit(payload, txID, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// RevokeContract marks pid revoked; further actions fail with a terminal
// error. There is no dry-run stage for revocation, it is not guest-driven.
func (rt *Runtime) RevokeContract(pid ID, reason string) error {
	return rt.Store.Update(func(tx *RwTx) error {
		if err := requireLive(tx, pid); err != nil {
			return err
		}
		vs := rt.buildVMState(tx, pid, false, Capabilities{})
		buf, err := json.Marshal(Revocation{Reason: reason})
		if err != nil {
			return Wrapf(KindEncoding, "RevokeContract", err)
		}
		vs.Registers.Set(RegisterInput, buf)
		inst, err := instantiateFor(rt, tx, pid, vs)
		if err != nil {
			return err
		}
		exit, err := invokeExport(inst, ExportProcessRevocation)
		if err != nil {
			return err
		}
		if vs.Trapped() != nil {
			return Wrapf(KindBytecode, "RevokeContract", vs.Trapped())
		}
		if exit != 0 {
			return Errf(KindActionValidation, "RevokeContract", "process_revocation rejected: exit %d", exit)
		}
		return SetRevoked(tx, pid, true)
	})
}

// StateQuery is the path+query a guest's http_get_state/http_post_action
// export reads from RegisterHTTPQuery.
type StateQuery struct {
	Path  string            `json:"path"`
	Query map[string]string `json:"query"`
}

// StateResponse is what the guest writes back via RegisterHTTPStatus/
// RegisterHTTPRespBody.
type StateResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

func runHTTPExport(rt *Runtime, tx *RwTx, pid ID, export string, query StateQuery, body []byte) (*StateResponse, error) {
	if err := requireLive(tx, pid); err != nil {
		return nil, err
	}
	vs := rt.buildVMState(tx, pid, false, Capabilities{})
	buf, err := json.Marshal(query)
	if err != nil {
		return nil, Wrapf(KindEncoding, "runHTTPExport", err)
	}
	vs.Registers.Set(RegisterHTTPQuery, buf)
	vs.Registers.Set(RegisterInput, body)
	vs.Registers.Set(RegisterHTTPStatus, []byte{200})

	inst, err := instantiateFor(rt, tx, pid, vs)
	if err != nil {
		return nil, err
	}
	exit, err := invokeExport(inst, export)
	if err != nil {
		return nil, err
	}
	if vs.Trapped() != nil {
		return nil, Wrapf(KindBytecode, "runHTTPExport", vs.Trapped())
	}
	if exit != 0 {
		return nil, Errf(KindActionValidation, "runHTTPExport", "%s rejected: exit %d", export, exit)
	}
	statusBuf, _ := vs.Registers.Get(RegisterHTTPStatus)
	status := 200
	if len(statusBuf) == 1 {
		status = int(statusBuf[0])
	}
	body, _ := vs.Registers.Get(RegisterHTTPRespBody)
	return &StateResponse{Status: status, Body: body}, nil
}

// HTTPGetState drives http_get_state read-only: the guest writes a status
// and body, the runtime forwards both as the response without committing
// any state mutation (a plain View transaction would do, but http_get_state
// shares the same register/cache wiring as every other export, which needs
// an RwTx; its writes are simply never intended to be observed, matching
// the scratch semantics of a dry-run).
func (rt *Runtime) HTTPGetState(pid ID, query StateQuery) (*StateResponse, error) {
	var resp *StateResponse
	err := rt.Store.DryRun(func(tx *RwTx) error {
		r, err := runHTTPExport(rt, tx, pid, ExportHTTPGetState, query, nil)
		resp = r
		return err
	})
	return resp, err
}

// HTTPPostAction drives http_post_action: the guest parses the posted body
// and returns a derived CallAction, which the runtime then dry-runs exactly
// like any other posted action before handing it back to the caller (who
// writes it via the action-writer).
func (rt *Runtime) HTTPPostAction(pid, writer ID, path string, body []byte) (*CallAction, error) {
	var action CallAction
	err := rt.Store.DryRun(func(tx *RwTx) error {
		resp, err := runHTTPExport(rt, tx, pid, ExportHTTPPostAction, StateQuery{Path: path}, body)
		if err != nil {
			return err
		}
		if resp.Status != 200 {
			return Errf(KindActionValidation, "HTTPPostAction", "http_post_action returned status %d", resp.Status)
		}
		return json.Unmarshal(resp.Body, &action)
	})
	if err != nil {
		return nil, err
	}
	if err := rt.dryRunDerivedAction(pid, writer, action); err != nil {
		return nil, err
	}
	return &action, nil
}

// ActionWriter durably persists an action already validated by a dry-run
// and reports the transaction hash it landed under. The HTTP surface's
// POST /{id}/action route holds one behind this interface rather than
// calling ExecuteContractAction/ExecuteAgentAction directly, so a caller
// driving http_post_action never has to know which execution pipeline a
// given program id resolves to.
type ActionWriter interface {
	Write(pid, identity ID, call CallAction) (*ActionRecord, error)
}

// Write implements ActionWriter by dispatching to the contract or agent
// pipeline by pid's kind, minting a fresh TxID for contract actions the
// way ExecuteContractAction's direct callers already do.
func (rt *Runtime) Write(pid, identity ID, call CallAction) (*ActionRecord, error) {
	if pid.IsAgent() {
		return rt.ExecuteAgentAction(pid, identity, call)
	}
	return rt.ExecuteContractAction(pid, identity, NewTxID(), nil, call)
}

func (rt *Runtime) dryRunDerivedAction(pid, writer ID, call CallAction) error {
	payload, err := json.Marshal(call)
	if err != nil {
		return Wrapf(KindEncoding, "dryRunDerivedAction", err)
	}
	if err := rt.Store.DryRun(func(tx *RwTx) error {
		if err := validateCallAction(tx, pid, call); err != nil {
			return err
		}
		return runContractTransaction(rt, tx, pid, writer, TxContext{}, nil, payload)
	}); err != nil {
		return Wrapf(KindDryRunFailure, "dryRunDerivedAction", err)
	}
	return nil
}
