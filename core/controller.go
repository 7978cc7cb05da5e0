package core

import (
	"encoding/binary"
	"encoding/json"
)

func beUint64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// Controller is the read-only view over one program's metadata base key: its
// participants, roles, sinks, description, embedded metadata, initial
// state, capabilities, subscriptions, ownership and lifecycle flags. It
// never touches the action log, log ring or ledger directly, but exposes
// enough to assemble Info/FullInfo and to drive write_introduction-style
// installs.
type Controller struct {
	tx  *Tx
	pid ID
}

// NewController binds a Controller to pid within a read-only transaction.
func NewController(tx *Tx, pid ID) *Controller { return &Controller{tx: tx, pid: pid} }

func (c *Controller) key(sub uint64) StorageKey { return SystemKey(c.pid, BaseKeyMetadata, sub) }

func (c *Controller) getJSON(sub uint64, out any) (bool, error) {
	raw, err := c.tx.Get(SubDBContract, c.key(sub).Bytes())
	if err != nil {
		return false, Wrapf(KindStorage, "Controller.getJSON", err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, Wrapf(KindEncoding, "Controller.getJSON", err)
	}
	return true, nil
}

// Exists reports whether a program has ever been introduced under this id.
func (c *Controller) Exists() (bool, error) {
	return c.tx.Has(SubDBContract, c.key(MetaSubKeyID).Bytes())
}

// Participants returns the contract's participant list, empty for agents.
func (c *Controller) Participants() ([]ID, error) {
	var out []ID
	if _, err := c.getJSON(MetaSubKeyParticipants, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Roles returns the program's declared roles.
func (c *Controller) Roles() ([]string, error) {
	var out []string
	if _, err := c.getJSON(MetaSubKeyRoles, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Sinks returns the program's outbound call aliases.
func (c *Controller) Sinks() ([]Sink, error) {
	var out []Sink
	if _, err := c.getJSON(MetaSubKeySinks, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Desc assembles the program's Description.
func (c *Controller) Desc() (*Description, error) {
	ok, err := c.Exists()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, Errf(KindMissingProgram, "Controller.Desc", "no such program %s", c.pid)
	}
	participants, err := c.Participants()
	if err != nil {
		return nil, err
	}
	roles, err := c.Roles()
	if err != nil {
		return nil, err
	}
	sinks, err := c.Sinks()
	if err != nil {
		return nil, err
	}
	return &Description{Roles: roles, Sinks: sinks, Participants: participants}, nil
}

// Meta returns the program's embedded Metadata, nil if none was supplied.
func (c *Controller) Meta() (*Metadata, error) {
	var out Metadata
	ok, err := c.getJSON(MetaSubKeyMeta, &out)
	if err != nil || !ok {
		return nil, err
	}
	return &out, nil
}

// InitialState returns the raw bytes the program was introduced with.
func (c *Controller) InitialState() ([]byte, error) {
	raw, err := c.tx.Get(SubDBContract, c.key(MetaSubKeyInitState).Bytes())
	if err != nil {
		return nil, Wrapf(KindStorage, "Controller.InitialState", err)
	}
	return raw, nil
}

// PackageInfo returns the raw compiled-artifact descriptor (name/source
// references), distinct from the wasm bytecode itself which lives in the
// wasm-code sub-database keyed by program id alone.
func (c *Controller) PackageInfo() ([]byte, error) {
	raw, err := c.tx.Get(SubDBContract, c.key(MetaSubKeyPackage).Bytes())
	if err != nil {
		return nil, Wrapf(KindStorage, "Controller.PackageInfo", err)
	}
	return raw, nil
}

// Capabilities returns the agent's network/websocket capability grant; the
// zero value for contracts, which never carry one.
func (c *Controller) Capabilities() (Capabilities, error) {
	var out Capabilities
	if _, err := c.getJSON(MetaSubKeyCapabilities, &out); err != nil {
		return Capabilities{}, err
	}
	return out, nil
}

// Subscriptions returns the subscriptions an agent installed at
// introduction time (the live subscription-rel entries may have since
// diverged via explicit Subscribe/Unsubscribe calls).
func (c *Controller) Subscriptions() ([]Subscribe, error) {
	var out []Subscribe
	if _, err := c.getJSON(MetaSubKeySubs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsRevoked reports whether the program has been revoked.
func (c *Controller) IsRevoked() (bool, error) {
	var revoked bool
	if _, err := c.getJSON(MetaSubKeyRevoked, &revoked); err != nil {
		return false, err
	}
	return revoked, nil
}

// IsPaused reports whether the program is currently paused.
func (c *Controller) IsPaused() (bool, error) {
	var paused bool
	if _, err := c.getJSON(MetaSubKeyPaused, &paused); err != nil {
		return false, err
	}
	return paused, nil
}

// Owner returns the participant id recorded as the program's owner, or Nil
// if none was set.
func (c *Controller) Owner() (ID, error) {
	var owner ID
	if _, err := c.getJSON(MetaSubKeyOwner, &owner); err != nil {
		return Nil, err
	}
	return owner, nil
}

// Info assembles the compact program listing view.
func (c *Controller) Info() (*Info, error) {
	participants, err := c.Participants()
	if err != nil {
		return nil, err
	}
	roles, err := c.Roles()
	if err != nil {
		return nil, err
	}
	sinks, err := c.Sinks()
	if err != nil {
		return nil, err
	}
	return &Info{ProgramID: c.pid, Participants: participants, Roles: roles, Sinks: sinks}, nil
}

// Full assembles Info, Desc and Meta together.
func (c *Controller) Full() (*FullInfo, error) {
	info, err := c.Info()
	if err != nil {
		return nil, err
	}
	desc, err := c.Desc()
	if err != nil {
		return nil, err
	}
	meta, err := c.Meta()
	if err != nil {
		return nil, err
	}
	return &FullInfo{Info: info, Desc: desc, Meta: meta}, nil
}

// LastTxHash returns the tx id of the most recently committed action, the
// zero TxID if the program has never executed one. It reads the action log
// directly rather than through ActionLog, since that type binds to an
// *RwTx and this is a read-only query.
func LastTxHash(tx *Tx, pid ID) (TxID, error) {
	lenKey := SystemKey(pid, BaseKeyActions, SubKeyReserved).Bytes()
	raw, err := tx.Get(SubDBContract, lenKey)
	if err != nil {
		return TxID{}, Wrapf(KindStorage, "LastTxHash", err)
	}
	if raw == nil {
		return TxID{}, nil
	}
	length := beUint64(raw)
	if length == 0 {
		return TxID{}, nil
	}
	recKey := SystemKey(pid, BaseKeyActions, length-1).Bytes()
	recRaw, err := tx.Get(SubDBContract, recKey)
	if err != nil {
		return TxID{}, Wrapf(KindStorage, "LastTxHash", err)
	}
	if recRaw == nil {
		return TxID{}, nil
	}
	var rec ActionRecord
	if err := json.Unmarshal(recRaw, &rec); err != nil {
		return TxID{}, Wrapf(KindEncoding, "LastTxHash", err)
	}
	return rec.TxCtx.TxID, nil
}

// WriteIntroduction installs a program's fixed metadata sub-keys from intro.
// It is the one place every introduced program's metadata base key is
// populated; called exactly once per program id.
func WriteIntroduction(tx *RwTx, intro Introduction, owner ID) error {
	pid := intro.ID
	key := func(sub uint64) StorageKey { return SystemKey(pid, BaseKeyMetadata, sub) }

	putJSON := func(sub uint64, v any) error {
		buf, err := json.Marshal(v)
		if err != nil {
			return Wrapf(KindEncoding, "WriteIntroduction", err)
		}
		return tx.Put(SubDBContract, key(sub).Bytes(), buf)
	}

	if err := putJSON(MetaSubKeyID, pid); err != nil {
		return err
	}
	if err := putJSON(MetaSubKeyParticipants, intro.Participants); err != nil {
		return err
	}
	if err := putJSON(MetaSubKeyRoles, intro.Roles); err != nil {
		return err
	}
	if err := putJSON(MetaSubKeySinks, intro.Sinks); err != nil {
		return err
	}
	if err := putJSON(MetaSubKeyDesc, intro.Description); err != nil {
		return err
	}
	if err := putJSON(MetaSubKeyMeta, intro.Meta); err != nil {
		return err
	}
	if err := tx.Put(SubDBContract, key(MetaSubKeyInitState).Bytes(), intro.InitialState); err != nil {
		return err
	}
	if err := putJSON(MetaSubKeyCapabilities, intro.Capabilities); err != nil {
		return err
	}
	if err := putJSON(MetaSubKeySubs, intro.Subscriptions); err != nil {
		return err
	}
	if err := putJSON(MetaSubKeyRevoked, false); err != nil {
		return err
	}
	if err := putJSON(MetaSubKeyOwner, owner); err != nil {
		return err
	}
	if err := putJSON(MetaSubKeyPaused, false); err != nil {
		return err
	}
	if len(intro.Methods) > 0 {
		if _, err := NewMethodTable(intro.StateType, intro.Methods); err != nil {
			return err
		}
		if err := putJSON(MetaSubKeyMethods, methodDecl{StateType: intro.StateType, Methods: intro.Methods}); err != nil {
			return err
		}
	}
	return nil
}

// methodDecl is the persisted form of a program's declared state type and
// method set, rebuilt into a MethodTable on demand.
type methodDecl struct {
	StateType string   `json:"state_type"`
	Methods   []string `json:"methods"`
}

// MethodTable rebuilds the program's MethodTable from its declared method
// set, nil if none was declared at introduction time.
func (c *Controller) MethodTable() (*MethodTable, error) {
	var decl methodDecl
	ok, err := c.getJSON(MetaSubKeyMethods, &decl)
	if err != nil || !ok {
		return nil, err
	}
	return NewMethodTable(decl.StateType, decl.Methods)
}

// SetRevoked flips the revoked flag future dispatches check. It stores no
// revocation reason, and RevokeContract writes no action log entry: the
// reason is only handed to the guest's process_revocation.
func SetRevoked(tx *RwTx, pid ID, revoked bool) error {
	buf, err := json.Marshal(revoked)
	if err != nil {
		return Wrapf(KindEncoding, "SetRevoked", err)
	}
	return tx.Put(SubDBContract, SystemKey(pid, BaseKeyMetadata, MetaSubKeyRevoked).Bytes(), buf)
}

// SetPaused flips the paused flag dispatch checks before admitting a
// mutating call.
func SetPaused(tx *RwTx, pid ID, paused bool) error {
	buf, err := json.Marshal(paused)
	if err != nil {
		return Wrapf(KindEncoding, "SetPaused", err)
	}
	return tx.Put(SubDBContract, SystemKey(pid, BaseKeyMetadata, MetaSubKeyPaused).Bytes(), buf)
}

// SetOwner transfers ownership to newOwner.
func SetOwner(tx *RwTx, pid ID, newOwner ID) error {
	buf, err := json.Marshal(newOwner)
	if err != nil {
		return Wrapf(KindEncoding, "SetOwner", err)
	}
	return tx.Put(SubDBContract, SystemKey(pid, BaseKeyMetadata, MetaSubKeyOwner).Bytes(), buf)
}
