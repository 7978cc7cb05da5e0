package core

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// VMState is the per-invocation context threaded through every host call.
// It is never ambient: a fresh VMState is built for each guest invocation
// and discarded afterward, per the "never as ambient state" design note.
type VMState struct {
	Registers *Registers
	ProgramID ID
	Tx        *RwTx
	Log       *logrus.Entry

	Ring  *LogRing
	Cache *ProgramCache

	// IsAgent gates the agent-only ABI surface (subscribe/unsubscribe,
	// send_http_rq, send_ws_msg).
	IsAgent bool
	Caps    Capabilities

	// Hooks supply behavior that differs between contracts and agents, or
	// that belongs to a subsystem (ledger, subscriptions) this file must
	// not import cyclically.
	OnSubscribe     func(topic, method string) error
	OnUnsubscribe   func(topic string) error
	OnLedgerEntry   func(raw []byte) error
	OnSendHTTP      func(reqHead, reqBody []byte) (respHead, respBody []byte, err error)
	OnSendWS        func(frame []byte) error

	lastTimer    time.Time
	trapped      error
	bindInstance func(*wasmer.Instance)
}

// BindInstance wires the instantiated module's memory export into the
// closures captured by LinkHostABI. Must be called once, right after
// wasmer.NewInstance succeeds and before invoking any export.
func (vs *VMState) BindInstance(inst *wasmer.Instance) {
	if vs.bindInstance != nil {
		vs.bindInstance(inst)
	}
}

// Trap records that the guest invoked panic/panic_utf8 or hit a host-call
// precondition violation; the caller must discard the whole invocation.
func (vs *VMState) Trap(err error) { vs.trapped = err }

func (vs *VMState) Trapped() error { return vs.trapped }

func mem(inst *wasmer.Instance) (*wasmer.Memory, error) {
	m, err := inst.Exports.GetMemory("memory")
	if err != nil {
		return nil, Errf(KindBytecode, "abi.mem", "module exports no memory: %w", err)
	}
	return m, nil
}

// LinkHostABI builds the import object the guest module links against. Only
// primitive integers and guest-memory pointer/length pairs cross the
// boundary; no guest pointer is ever interpreted as host memory outside of
// the read/write helpers below.
func LinkHostABI(store *wasmer.Store, vs *VMState) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	var instance *wasmer.Instance // patched in after NewInstance by BindInstance

	read := func(ptr, ln int32) []byte {
		m, err := mem(instance)
		if err != nil {
			vs.Trap(err)
			return nil
		}
		data := m.Data()
		if int(ptr) < 0 || int(ln) < 0 || int(ptr)+int(ln) > len(data) {
			vs.Trap(Errf(KindBytecode, "abi.read", "memory access out of bounds"))
			return nil
		}
		out := make([]byte, ln)
		copy(out, data[ptr:ptr+ln])
		return out
	}
	write := func(ptr int32, data []byte) {
		m, err := mem(instance)
		if err != nil {
			vs.Trap(err)
			return
		}
		dst := m.Data()
		if int(ptr) < 0 || int(ptr)+len(data) > len(dst) {
			vs.Trap(Errf(KindBytecode, "abi.write", "memory access out of bounds"))
			return
		}
		copy(dst[ptr:], data)
	}

	i32 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))
	i32x2 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32))
	i32x3 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32))
	i32x4 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32))
	i32x5 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32))
	noArgs := wasmer.NewValueTypes()
	noRet := wasmer.NewValueTypes()

	fnPrint := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x3, noRet),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln, level := args[0].I32(), args[1].I32(), args[2].I32()
			line := string(read(ptr, ln))
			if err := vs.Ring.Print(line, LogLevel(level)); err != nil {
				vs.Trap(err)
				return nil, nil
			}
			switch LogLevel(level) {
			case LevelTrace:
				vs.Log.Trace(line)
			case LevelDebug:
				vs.Log.Debug(line)
			case LevelInfo:
				vs.Log.Info(line)
			case LevelWarn:
				vs.Log.Warn(line)
			default:
				vs.Log.Error(line)
			}
			return nil, nil
		})

	fnReadRegister := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x2, noRet),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			id, ptr := uint64(args[0].I32()), args[1].I32()
			v, ok := vs.Registers.Get(id)
			if !ok {
				vs.Trap(Errf(KindRegister, "read_register", "register %d not set", id))
				return nil, nil
			}
			write(ptr, v)
			return nil, nil
		})

	fnRegisterLen := wasmer.NewFunction(store, wasmer.NewFunctionType(i32, wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I64))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			id := uint64(args[0].I32())
			return []wasmer.Value{wasmer.NewI64(int64(vs.Registers.Len(id)))}, nil
		})

	fnWriteRegister := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x3, noRet),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			id, ptr, ln := uint64(args[0].I32()), args[1].I32(), args[2].I32()
			vs.Registers.Set(id, read(ptr, ln))
			return nil, nil
		})

	fnStorageRead := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x3, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			base, sub, reg := uint64(args[0].I32()), uint64(args[1].I32()), uint64(args[2].I32())
			key := UserKey(vs.ProgramID, base, sub)
			v, err := vs.Tx.Get(SubDBContract, key.Bytes())
			if err != nil {
				vs.Trap(Wrapf(KindStorage, "storage_read", err))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if v == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			vs.Registers.Set(reg, v)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	fnStorageWrite := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x4, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			base, sub := uint64(args[0].I32()), uint64(args[1].I32())
			if sub == SubKeyReserved {
				vs.Trap(Errf(KindActionValidation, "storage_write", "sub-key u64::MAX is reserved"))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			ptr, ln := args[2].I32(), args[3].I32()
			key := UserKey(vs.ProgramID, base, sub)
			if err := vs.Tx.Put(SubDBContract, key.Bytes(), read(ptr, ln)); err != nil {
				vs.Trap(Wrapf(KindStorage, "storage_write", err))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	fnStorageRemove := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x2, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			base, sub := uint64(args[0].I32()), uint64(args[1].I32())
			key := UserKey(vs.ProgramID, base, sub)
			if err := vs.Tx.Delete(SubDBContract, key.Bytes()); err != nil {
				vs.Trap(Wrapf(KindStorage, "storage_remove", err))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	fnStorageHasKey := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x2, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			base, sub := uint64(args[0].I32()), uint64(args[1].I32())
			key := UserKey(vs.ProgramID, base, sub)
			has, err := vs.Tx.Has(SubDBContract, key.Bytes())
			if err != nil {
				vs.Trap(Wrapf(KindStorage, "storage_has_key", err))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if has {
				return []wasmer.Value{wasmer.NewI32(1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	fnStorageGenSubKey := wasmer.NewFunction(store, wasmer.NewFunctionType(noArgs, wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I64))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			var buf [8]byte
			_, _ = rand.Read(buf[:])
			v := binary.BigEndian.Uint64(buf[:])
			if v == SubKeyReserved {
				v--
			}
			if v == 0 {
				v = 1
			}
			return []wasmer.Value{wasmer.NewI64(int64(v))}, nil
		})

	fnStorageCursor := wasmer.NewFunction(store, wasmer.NewFunctionType(i32, wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I64))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			base := uint64(args[0].I32())
			prefix := UserKey(vs.ProgramID, base, 0).Bytes()[:24]
			cur, err := vs.Tx.Cursor(SubDBContract)
			if err != nil {
				vs.Trap(Wrapf(KindStorage, "storage_cursor", err))
				return []wasmer.Value{wasmer.NewI64(-1)}, nil
			}
			var subKeys []uint64
			for k, _ := cur.Seek(prefix); k != nil; k, _ = cur.Next() {
				if len(k) != 32 || string(k[:24]) != string(prefix) {
					break
				}
				sub := binary.BigEndian.Uint64(k[24:32])
				if sub == SubKeyReserved {
					continue
				}
				subKeys = append(subKeys, sub)
			}
			n := vs.Registers.SetCursorSnapshot(subKeys)
			return []wasmer.Value{wasmer.NewI64(int64(n))}, nil
		})

	fnTic := wasmer.NewFunction(store, wasmer.NewFunctionType(noArgs, noRet),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			vs.lastTimer = time.Now()
			return nil, nil
		})

	fnToc := wasmer.NewFunction(store, wasmer.NewFunctionType(noArgs, wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I64))),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if vs.lastTimer.IsZero() {
				vs.Trap(Errf(KindRegister, "toc", "no timer present"))
				return []wasmer.Value{wasmer.NewI64(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI64(time.Since(vs.lastTimer).Nanoseconds())}, nil
		})

	fnPanic := wasmer.NewFunction(store, wasmer.NewFunctionType(noArgs, noRet),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			vs.Trap(Errf(KindBytecode, "panic", "guest panicked"))
			return nil, nil
		})

	fnPanicUtf8 := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x2, noRet),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln := args[0].I32(), args[1].I32()
			vs.Trap(Errf(KindBytecode, "panic_utf8", "guest panicked: %s", string(read(ptr, ln))))
			return nil, nil
		})

	fnSubscribe := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x5, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !vs.IsAgent {
				vs.Trap(Errf(KindActionValidation, "subscribe", "subscribe is agent-only"))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			tPtr, tLen, mPtr, mLen := args[1].I32(), args[2].I32(), args[3].I32(), args[4].I32()
			topic := string(read(tPtr, tLen))
			method := string(read(mPtr, mLen))
			if vs.OnSubscribe == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := vs.OnSubscribe(topic, method); err != nil {
				vs.Trap(err)
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	fnUnsubscribe := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x3, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !vs.IsAgent {
				vs.Trap(Errf(KindActionValidation, "unsubscribe", "unsubscribe is agent-only"))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			tPtr, tLen := args[1].I32(), args[2].I32()
			topic := string(read(tPtr, tLen))
			if vs.OnUnsubscribe == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := vs.OnUnsubscribe(topic); err != nil {
				vs.Trap(err)
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	fnCreateLedgerEntry := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x2, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln := args[0].I32(), args[1].I32()
			raw := read(ptr, ln)
			if vs.OnLedgerEntry == nil {
				vs.Trap(Errf(KindLedgerInvariant, "create_ledger_entry", "no ledger bound"))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := vs.OnLedgerEntry(raw); err != nil {
				vs.Trap(err)
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	fnSendHTTP := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x5, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !vs.IsAgent || !vs.Caps.NetworkAllowed {
				vs.Trap(Errf(KindActionValidation, "send_http_rq", "outbound http not permitted"))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			headReg, bodyReg, rsHeadReg, rsBodyReg := uint64(args[0].I32()), uint64(args[1].I32()), uint64(args[2].I32()), uint64(args[3].I32())
			errReg := uint64(args[4].I32())
			head, _ := vs.Registers.Get(headReg)
			body, _ := vs.Registers.Get(bodyReg)
			if vs.OnSendHTTP == nil {
				vs.Registers.Set(errReg, []byte("no http client bound"))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			rsHead, rsBody, err := vs.OnSendHTTP(head, body)
			if err != nil {
				vs.Registers.Set(errReg, []byte(err.Error()))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			vs.Registers.Set(rsHeadReg, rsHead)
			vs.Registers.Set(rsBodyReg, rsBody)
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	fnSendWSMsg := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x2, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if !vs.IsAgent || !vs.Caps.WebsocketAllowed {
				vs.Trap(Errf(KindActionValidation, "send_ws_msg", "websocket not permitted"))
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			ptr, ln := args[0].I32(), args[1].I32()
			frame := read(ptr, ln)
			if vs.OnSendWS == nil {
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			if err := vs.OnSendWS(frame); err != nil {
				vs.Trap(err)
				return []wasmer.Value{wasmer.NewI32(-1)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(0)}, nil
		})

	imports.Register("env", map[string]wasmer.IntoExtern{
		"print":                 fnPrint,
		"read_register":         fnReadRegister,
		"register_len":          fnRegisterLen,
		"write_register":        fnWriteRegister,
		"storage_read":          fnStorageRead,
		"storage_write":         fnStorageWrite,
		"storage_remove":        fnStorageRemove,
		"storage_has_key":       fnStorageHasKey,
		"storage_gen_sub_key":   fnStorageGenSubKey,
		"storage_cursor":        fnStorageCursor,
		"subscribe":             fnSubscribe,
		"unsubscribe":           fnUnsubscribe,
		"create_ledger_entry":   fnCreateLedgerEntry,
		"send_http_rq":          fnSendHTTP,
		"send_ws_msg":           fnSendWSMsg,
		"tic":                   fnTic,
		"toc":                   fnToc,
		"panic":                 fnPanic,
		"panic_utf8":            fnPanicUtf8,
	})

	vs.bindInstance = func(i *wasmer.Instance) { instance = i }
	return imports
}
