package core

import (
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// programCacheSize bounds how many compiled modules stay warm in memory.
const programCacheSize = 256

// ProgramCache is an LRU of compiled modules keyed by program id, backed by
// the wasm-code sub-database for cold lookups. It caches the compiled
// *wasmer.Module (cheap to re-instantiate) rather than a live Instance:
// every invocation needs a fresh Instance anyway, since host imports are
// bound to that invocation's VMState (active transaction, registers), so
// there is nothing reusable below the compiled-module level.
type ProgramCache struct {
	engine *wasmer.Engine
	store  *wasmer.Store
	lru    *lru.Cache[ID, *wasmer.Module]
}

// NewProgramCache builds a cache sharing one wasmer engine and store across
// all compiled modules and their instantiations.
func NewProgramCache() (*ProgramCache, error) {
	c, err := lru.New[ID, *wasmer.Module](programCacheSize)
	if err != nil {
		return nil, Wrapf(KindStorage, "NewProgramCache", err)
	}
	engine := wasmer.NewEngine()
	return &ProgramCache{engine: engine, store: wasmer.NewStore(engine), lru: c}, nil
}

// Install compiles code and stores both the serialized module (in the
// wasm-code sub-db, for cold restarts) and the compiled *wasmer.Module (in
// the in-memory LRU) under pid. It also records a Keccak256 content hash of
// the bytecode, so a later re-introduction attempt or a package/source
// listing can be checked against the bytes actually installed without
// re-reading the whole blob.
func (c *ProgramCache) Install(tx *RwTx, pid ID, code []byte) error {
	mod, err := wasmer.NewModule(c.store, code)
	if err != nil {
		return Wrapf(KindBytecode, "ProgramCache.Install", err)
	}
	if err := tx.Put(SubDBWasmCode, pid.Bytes(), code); err != nil {
		return err
	}
	hash := crypto.Keccak256(code)
	if err := tx.Put(SubDBContract, SystemKey(pid, BaseKeyMetadata, MetaSubKeyCodeHash).Bytes(), hash); err != nil {
		return err
	}
	c.lru.Add(pid, mod)
	return nil
}

// CodeHash returns the Keccak256 content hash recorded at install time.
func CodeHash(tx *Tx, pid ID) ([]byte, error) {
	return tx.Get(SubDBContract, SystemKey(pid, BaseKeyMetadata, MetaSubKeyCodeHash).Bytes())
}

// Get returns the compiled module for pid, deserializing it from the
// wasm-code sub-db on a cache miss and re-populating the LRU.
func (c *ProgramCache) Get(tx *RwTx, pid ID) (*wasmer.Module, error) {
	if mod, ok := c.lru.Get(pid); ok {
		return mod, nil
	}
	code, err := tx.Get(SubDBWasmCode, pid.Bytes())
	if err != nil {
		return nil, err
	}
	if code == nil {
		return nil, Errf(KindMissingProgram, "ProgramCache.Get", "no compiled module for %s", pid)
	}
	mod, err := wasmer.NewModule(c.store, code)
	if err != nil {
		return nil, Wrapf(KindBytecode, "ProgramCache.Get", err)
	}
	c.lru.Add(pid, mod)
	return mod, nil
}

// Evict drops pid from the in-memory LRU (touch-based eviction otherwise
// handles capacity); the wasm-code sub-db entry is untouched.
func (c *ProgramCache) Evict(pid ID) { c.lru.Remove(pid) }

// Engine exposes the shared engine.
func (c *ProgramCache) Engine() *wasmer.Engine { return c.engine }

// Instantiate links mod against imports built from vs and returns a ready
// instance with its VMState bound. Contracts call this synchronously;
// agents call it the same way here, since this Go host has no
// cooperative-suspend runtime — WebSocket suspension is modeled instead by
// the supervisor's own goroutine scheduling around the call, not inside it.
func (c *ProgramCache) Instantiate(mod *wasmer.Module, vs *VMState) (*wasmer.Instance, error) {
	imports := LinkHostABI(c.store, vs)
	inst, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, Wrapf(KindBytecode, "Instantiate", err)
	}
	vs.BindInstance(inst)
	return inst, nil
}

// Symbols lists the exported function names of pid's compiled module,
// reading the wasm-code sub-db directly rather than through the LRU since a
// read-only Tx can't populate it.
func (c *ProgramCache) Symbols(tx *Tx, pid ID) ([]string, error) {
	code, err := tx.Get(SubDBWasmCode, pid.Bytes())
	if err != nil {
		return nil, err
	}
	if code == nil {
		return nil, Errf(KindMissingProgram, "ProgramCache.Symbols", "no compiled module for %s", pid)
	}
	mod, err := wasmer.NewModule(c.store, code)
	if err != nil {
		return nil, Wrapf(KindBytecode, "ProgramCache.Symbols", err)
	}
	exports := mod.Exports()
	out := make([]string, len(exports))
	for i, e := range exports {
		out[i] = e.Name()
	}
	return out, nil
}

// EnumeratePrograms forward-scans the wasm-code sub-db and returns every
// installed program id, optionally filtered to one IDKind.
func EnumeratePrograms(tx *Tx, kind IDKind, onlyKind bool) ([]ID, error) {
	cur, err := tx.Cursor(SubDBWasmCode)
	if err != nil {
		return nil, err
	}
	var out []ID
	for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
		if len(k) != 16 {
			continue
		}
		var pid ID
		copy(pid[:], k)
		if onlyKind && pid.Kind() != kind {
			continue
		}
		out = append(out, pid)
	}
	return out, nil
}
