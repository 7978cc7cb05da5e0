package core

import (
	"encoding/json"
	"sync"
	"time"
)

// newTxID mints a host-side transaction id for an agent invocation that has
// no externally supplied one (agents are not transactional with respect to
// external participants). This never crosses the guest boundary as
// consensus-relevant entropy; it only keys the action-log reverse index.
func newTxID() TxID { return NewTxID() }

// Guest export names an agent module links against, beyond the ones it
// shares with contracts (process_transaction doubles as its action entry
// point; revocation and the two http exports are shared verbatim).
const (
	ExportInitializeAgent = "initialize_agent"
	ExportOnWSOpen        = "on_ws_open"
	ExportOnWSMessage     = "on_ws_message"
	ExportOnWSError       = "on_ws_error"
	ExportOnWSClose       = "on_ws_close"
)

// AgentInit is what initialize_agent returns: the agent's desired schedules
// and, if it wants one, its single outbound WebSocket configuration.
type AgentInit struct {
	Schedules []Schedule `json:"schedules"`
	WS        *WSConfig  `json:"ws_config,omitempty"`
}

// agentLocks enforces the per-agent invariant: at most one mutating
// invocation runs at a time. A per-agent mutex, not a single global one, so
// unrelated agents never block each other.
type agentLocks struct {
	mu    sync.Mutex
	locks map[ID]*sync.Mutex
}

var globalAgentLocks = agentLocks{locks: make(map[ID]*sync.Mutex)}

func (l *agentLocks) for_(id ID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// withAgentLock runs fn while holding agent's mutating-invocation lock.
func withAgentLock(agent ID, fn func() error) error {
	m := globalAgentLocks.for_(agent)
	m.Lock()
	defer m.Unlock()
	return fn()
}

// IntroduceAgent installs code under intro.ID exactly like IntroduceContract,
// then drives initialize_agent to recover its schedule/websocket config. The
// returned AgentInit is what the supervisor uses to start tasks for it.
func (rt *Runtime) IntroduceAgent(intro Introduction, owner ID, code []byte) (*AgentInit, error) {
	var init AgentInit
	err := withAgentLock(intro.ID, func() error {
		return rt.Store.Update(func(tx *RwTx) error {
			exists, err := programExists(tx, intro.ID)
			if err != nil {
				return err
			}
			if exists {
				return Errf(KindActionValidation, "IntroduceAgent", "program %s already introduced", intro.ID)
			}
			if err := rt.Cache.Install(tx, intro.ID, code); err != nil {
				return err
			}
			if err := WriteIntroduction(tx, intro, owner); err != nil {
				return err
			}
			vs := rt.buildVMState(tx, intro.ID, true, intro.Capabilities)
			vs.Registers.Set(RegisterInput, intro.InitialState)
			for _, sub := range intro.Subscriptions {
				if err := NewSubscriptionHandler(tx).Subscribe(sub.Publisher, sub.Topic, intro.ID, sub.Method); err != nil {
					return err
				}
			}
			inst, err := instantiateFor(rt, tx, intro.ID, vs)
			if err != nil {
				return err
			}
			exitCode, err := invokeExport(inst, ExportProcessIntroduction)
			if err != nil {
				return err
			}
			if vs.Trapped() != nil {
				return Wrapf(KindBytecode, "IntroduceAgent", vs.Trapped())
			}
			if exitCode != 0 {
				return Errf(KindActionValidation, "IntroduceAgent", "process_introduction rejected: exit %d", exitCode)
			}

			initVS := rt.buildVMState(tx, intro.ID, true, intro.Capabilities)
			initInst, err := instantiateFor(rt, tx, intro.ID, initVS)
			if err != nil {
				return err
			}
			if _, err := invokeExport(initInst, ExportInitializeAgent); err != nil {
				return err
			}
			if initVS.Trapped() != nil {
				return Wrapf(KindBytecode, "IntroduceAgent", initVS.Trapped())
			}
			raw, ok := initVS.Registers.Get(RegisterHTTPRespBody)
			if !ok {
				return nil
			}
			if err := json.Unmarshal(raw, &init); err != nil {
				return err
			}
			// Persisted so the supervisor can resume schedules/websocket
			// tasks after a host restart without re-running
			// initialize_agent, which may not be idempotent.
			buf, err := json.Marshal(init)
			if err != nil {
				return Wrapf(KindEncoding, "IntroduceAgent", err)
			}
			return tx.Put(SubDBContract, SystemKey(intro.ID, BaseKeyMetadata, MetaSubKeyAgentInit).Bytes(), buf)
		})
	})
	if err != nil {
		return nil, err
	}
	return &init, nil
}

// StoredAgentInit returns the AgentInit recorded at introduction time, nil
// if agent has none (it isn't an agent, or introduction never completed).
func StoredAgentInit(tx *Tx, agent ID) (*AgentInit, error) {
	raw, err := tx.Get(SubDBContract, SystemKey(agent, BaseKeyMetadata, MetaSubKeyAgentInit).Bytes())
	if err != nil {
		return nil, Wrapf(KindStorage, "StoredAgentInit", err)
	}
	if raw == nil {
		return nil, nil
	}
	var init AgentInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return nil, Wrapf(KindEncoding, "StoredAgentInit", err)
	}
	return &init, nil
}

// agentVMState builds a VMState for an agent invocation, wiring the
// subscribe/unsubscribe and outbound send_http_rq/send_ws_msg hooks a
// contract's VMState never carries. executor identifies which node ran the
// agent; agents are not transactional with respect to external
// participants, so there is no writer register here.
func (rt *Runtime) agentVMState(tx *RwTx, pid, executor ID, caps Capabilities, httpClient func(reqHead, reqBody []byte) (respHead, respBody []byte, err error), wsSend func(frame []byte) error) *VMState {
	vs := rt.buildVMState(tx, pid, true, caps)
	vs.Registers.Set(RegisterExecutor, executor.Bytes())
	vs.OnSubscribe = func(fullTopic, method string) error {
		publisher, topic, err := parseFullTopic(fullTopic)
		if err != nil {
			return err
		}
		return NewSubscriptionHandler(tx).Subscribe(publisher, topic, pid, method)
	}
	vs.OnUnsubscribe = func(fullTopic string) error {
		publisher, topic, err := parseFullTopic(fullTopic)
		if err != nil {
			return err
		}
		return NewSubscriptionHandler(tx).Unsubscribe(publisher, topic, pid)
	}
	vs.OnLedgerEntry = func(raw []byte) error {
		var entry LedgerEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return Wrapf(KindEncoding, "agent.OnLedgerEntry", err)
		}
		return NewLedger(tx).CommitEntry(entry, pid, TxContext{})
	}
	vs.OnSendHTTP = httpClient
	vs.OnSendWS = wsSend
	return vs
}

// ExecuteAgentAction runs an agent's named action under its single-writer
// lock. Agents share the action flow of contracts (dry-run then commit) but
// hand the guest an executor id (RegisterExecutor) instead of a writer.
func (rt *Runtime) ExecuteAgentAction(pid, executor ID, call CallAction) (*ActionRecord, error) {
	payload, err := json.Marshal(call)
	if err != nil {
		return nil, Wrapf(KindEncoding, "ExecuteAgentAction", err)
	}

	var record ActionRecord
	err = withAgentLock(pid, func() error {
		if err := rt.Store.DryRun(func(tx *RwTx) error {
			if err := validateCallAction(tx, pid, call); err != nil {
				return err
			}
			return rt.runAgentInvocation(tx, pid, executor, ExportProcessTransaction, payload, nil)
		}); err != nil {
			return Wrapf(KindDryRunFailure, "ExecuteAgentAction", err)
		}
		return rt.Store.Update(func(tx *RwTx) error {
			log := NewActionLog(tx, pid)
			txID := newTxID()
			if err := rt.runAgentInvocation(tx, pid, executor, ExportProcessTransaction, payload, nil); err != nil {
				return err
			}
			var err error
			record, err = log.Commit(payload, txID, time.Now())
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// runAgentInvocation is the shared body behind every agent entry point that
// isn't the initialization export: build state, instantiate, invoke,
// surface traps/non-zero exits as errors.
func (rt *Runtime) runAgentInvocation(tx *RwTx, pid, executor ID, export string, input []byte, wsSend func([]byte) error) error {
	if err := requireLive(tx, pid); err != nil {
		return err
	}
	caps, err := programCapabilities(tx, pid)
	if err != nil {
		return err
	}
	vs := rt.agentVMState(tx, pid, executor, caps, nil, wsSend)
	if input != nil {
		vs.Registers.Set(RegisterInput, input)
	}
	inst, err := instantiateFor(rt, tx, pid, vs)
	if err != nil {
		return err
	}
	exit, err := invokeExport(inst, export)
	if err != nil {
		return err
	}
	if vs.Trapped() != nil {
		return Wrapf(KindBytecode, "runAgentInvocation", vs.Trapped())
	}
	if exit != 0 {
		return Errf(KindActionValidation, "runAgentInvocation", "%s rejected: exit %d", export, exit)
	}
	return nil
}

// RunSchedule fires one scheduled, parameterless action tick for agent.
func (rt *Runtime) RunSchedule(agent ID, method string) error {
	return withAgentLock(agent, func() error {
		return rt.Store.Update(func(tx *RwTx) error {
			return rt.runAgentInvocation(tx, agent, agent, ExportProcessTransaction, mustMarshalCall(method), nil)
		})
	})
}

// OnWSOpen, OnWSMessage, OnWSError and OnWSClose drive an agent's websocket
// callbacks under its single-writer lock. wsSend lets the guest push frames
// back onto the connection's outbox via send_ws_msg.
func (rt *Runtime) OnWSOpen(agent ID, wsSend func([]byte) error) error {
	return withAgentLock(agent, func() error {
		return rt.Store.Update(func(tx *RwTx) error {
			return rt.runAgentInvocation(tx, agent, agent, ExportOnWSOpen, nil, wsSend)
		})
	})
}

func (rt *Runtime) OnWSMessage(agent ID, frame []byte, wsSend func([]byte) error) error {
	return withAgentLock(agent, func() error {
		return rt.Store.Update(func(tx *RwTx) error {
			return rt.runAgentInvocation(tx, agent, agent, ExportOnWSMessage, frame, wsSend)
		})
	})
}

func (rt *Runtime) OnWSError(agent ID, errMsg string, wsSend func([]byte) error) error {
	return withAgentLock(agent, func() error {
		return rt.Store.Update(func(tx *RwTx) error {
			return rt.runAgentInvocation(tx, agent, agent, ExportOnWSError, []byte(errMsg), wsSend)
		})
	})
}

func (rt *Runtime) OnWSClose(agent ID) error {
	return withAgentLock(agent, func() error {
		return rt.Store.Update(func(tx *RwTx) error {
			return rt.runAgentInvocation(tx, agent, agent, ExportOnWSClose, nil, nil)
		})
	})
}

// DeliverSubscription invokes the subscriber's recorded method with the
// published payload, driven by the supervisor after a pub/sub fan-out
// lookup.
func (rt *Runtime) DeliverSubscription(subscriber ID, method string, payload []byte) error {
	call := CallAction{Method: method, Params: payload}
	buf, err := json.Marshal(call)
	if err != nil {
		return Wrapf(KindEncoding, "DeliverSubscription", err)
	}
	return withAgentLock(subscriber, func() error {
		return rt.Store.Update(func(tx *RwTx) error {
			return rt.runAgentInvocation(tx, subscriber, subscriber, ExportProcessTransaction, buf, nil)
		})
	})
}

func mustMarshalCall(method string) []byte {
	buf, err := json.Marshal(CallAction{Method: method})
	if err != nil {
		panic(err)
	}
	return buf
}
