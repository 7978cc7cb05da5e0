package core

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"time"
)

// TxID is a transaction identifier: a 16-byte hash. TxContext pairs it with
// an index.
type TxID [16]byte

// NewTxID mints a fresh random transaction id for a caller that has no
// externally supplied one, e.g. an HTTP-submitted action.
func NewTxID() TxID {
	var id TxID
	_, _ = rand.Read(id[:])
	return id
}

// TxContext is the transaction context a contract action commits under.
type TxContext struct {
	TxID  TxID   `json:"tx_id"`
	Index uint64 `json:"index"`
}

// ActionRecord is one committed entry in a program's action log.
type ActionRecord struct {
	TxCtx     TxContext `json:"tx_ctx"`
	Value     []byte    `json:"value"` // raw json bytes of the posted CallAction, stored verbatim
	Commited  uint64    `json:"commited"`
}

// relTxAction is the 24-byte reverse-index record: tx id -> (program id,
// action index), keyed by the 16-byte tx hash.
type relTxAction struct {
	ProgramID  ID
	ActionIdx  uint64
}

func (r relTxAction) bytes() []byte {
	buf := make([]byte, 24)
	copy(buf[:16], r.ProgramID[:])
	binary.BigEndian.PutUint64(buf[16:], r.ActionIdx)
	return buf
}

func relTxActionFromBytes(b []byte) relTxAction {
	var r relTxAction
	copy(r.ProgramID[:], b[:16])
	r.ActionIdx = binary.BigEndian.Uint64(b[16:24])
	return r
}

// ActionLog is the append-only per-program log of executed actions.
type ActionLog struct {
	tx  *RwTx
	pid ID
}

// NewActionLog binds an ActionLog to a program id within tx.
func NewActionLog(tx *RwTx, pid ID) *ActionLog { return &ActionLog{tx: tx, pid: pid} }

func (l *ActionLog) key(sub uint64) StorageKey { return SystemKey(l.pid, BaseKeyActions, sub) }

// Len returns the number of committed actions.
func (l *ActionLog) Len() (uint64, error) {
	raw, err := l.tx.Get(SubDBContract, l.key(SubKeyReserved).Bytes())
	if err != nil {
		return 0, Wrapf(KindStorage, "ActionLog.Len", err)
	}
	if raw == nil {
		return 0, nil
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (l *ActionLog) writeLen(n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return l.tx.Put(SubDBContract, l.key(SubKeyReserved).Bytes(), buf[:])
}

// Commit appends a record for actionValue (raw posted json) under the
// surrounding read-write transaction: reads current length, writes the
// record, writes the new length, writes the tx->action reverse index. It is
// not idempotent: every call appends a new record, even for a tx id that is
// already in the log; the pipelines call it once per successful invocation.
func (l *ActionLog) Commit(actionValue []byte, tx TxID, now time.Time) (ActionRecord, error) {
	length, err := l.Len()
	if err != nil {
		return ActionRecord{}, err
	}
	record := ActionRecord{
		TxCtx:    TxContext{TxID: tx, Index: length},
		Value:    actionValue,
		Commited: uint64(now.UnixMilli()),
	}
	buf, err := json.Marshal(record)
	if err != nil {
		return ActionRecord{}, Wrapf(KindEncoding, "ActionLog.Commit", err)
	}
	if err := l.tx.Put(SubDBContract, l.key(length).Bytes(), buf); err != nil {
		return ActionRecord{}, err
	}
	if err := l.writeLen(length + 1); err != nil {
		return ActionRecord{}, err
	}
	rel := relTxAction{ProgramID: l.pid, ActionIdx: length}
	if err := l.tx.Put(SubDBActionTxRel, tx[:], rel.bytes()); err != nil {
		return ActionRecord{}, err
	}
	return record, nil
}

// Get returns the i-th committed record.
func (l *ActionLog) Get(i uint64) (*ActionRecord, error) {
	length, err := l.Len()
	if err != nil {
		return nil, err
	}
	if i >= length {
		return nil, nil
	}
	raw, err := l.tx.Get(SubDBContract, l.key(i).Bytes())
	if err != nil {
		return nil, Wrapf(KindStorage, "ActionLog.Get", err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec ActionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, Wrapf(KindEncoding, "ActionLog.Get", err)
	}
	return &rec, nil
}

// Last returns the most recently committed record, or nil if the log is
// empty.
func (l *ActionLog) Last() (*ActionRecord, error) {
	length, err := l.Len()
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	return l.Get(length - 1)
}

// IsEmpty reports whether the log has no committed actions.
func (l *ActionLog) IsEmpty() (bool, error) {
	n, err := l.Len()
	return n == 0, err
}

// PaginatedActions is the {elements, total, pagination} window returned by
// GetPaginated.
type PaginatedActions struct {
	Elements []ActionRecord `json:"elements"`
	Total    uint64         `json:"total"`
	Page     uint64         `json:"page"`
	PerPage  uint64         `json:"per_page"`
}

// GetPaginated returns one validated {page, per_page} window of the action
// log, oldest page 0.
func (l *ActionLog) GetPaginated(page, perPage uint64) (*PaginatedActions, error) {
	if perPage == 0 {
		return nil, Errf(KindActionValidation, "ActionLog.GetPaginated", "per_page must be > 0")
	}
	total, err := l.Len()
	if err != nil {
		return nil, err
	}
	start := page * perPage
	end := start + perPage
	if end > total {
		end = total
	}
	var elements []ActionRecord
	for i := start; i < end; i++ {
		rec, err := l.Get(i)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		elements = append(elements, *rec)
	}
	return &PaginatedActions{Elements: elements, Total: total, Page: page, PerPage: perPage}, nil
}

// LookupByTx resolves a transaction id straight to (program id, action
// index) without a linear scan, via the action-tx-rel sub-db.
func LookupByTx(tx *Tx, txID TxID) (ID, uint64, bool, error) {
	raw, err := tx.Get(SubDBActionTxRel, txID[:])
	if err != nil {
		return Nil, 0, false, Wrapf(KindStorage, "LookupByTx", err)
	}
	if raw == nil {
		return Nil, 0, false, nil
	}
	rel := relTxActionFromBytes(raw)
	return rel.ProgramID, rel.ActionIdx, true, nil
}
