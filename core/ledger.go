package core

import (
	"encoding/binary"
	"encoding/json"
	"hash/fnv"

	"github.com/shopspring/decimal"
)

// EntryKind is the journal entry type. CREATE adds amount in the
// creditor->debitor direction; SETTLE/CANCEL subtract.
type EntryKind int

const (
	EntryCreate EntryKind = iota
	EntrySettle
	EntryCancel
)

// LedgerEntry is the guest-supplied payload of create_ledger_entry.
type LedgerEntry struct {
	Kind        EntryKind `json:"kind"`
	Creditor    ID        `json:"creditor"`
	Debitor     ID        `json:"debitor"`
	AmountMilli int64     `json:"amount_milli"`
	TaxMilli    int64     `json:"tax_milli"`
	Currency    string    `json:"currency"`
	Tag         string    `json:"tag"`
}

// ledgerColumn names the typed fields split across one ledger line.
type ledgerColumn string

const (
	colCreditor ledgerColumn = "creditor"
	colDebitor  ledgerColumn = "debitor"
	colAmount   ledgerColumn = "amount"
	colTax      ledgerColumn = "tax"
	colCurrency ledgerColumn = "currency"
	colTag      ledgerColumn = "tag"
	colTxCtx    ledgerColumn = "tx_ctx"
)

func columnHash(c ledgerColumn) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(c))
	return h.Sum64()
}

// ledgerKey is the 32-byte ledger key: participant_pair(8) | contract_id(8)
// | line(8) | column(8).
type ledgerKey [32]byte

func compactID(id ID) uint64 {
	// Folds the 16-byte id down to 8 bytes the same way PairKey folds a
	// pair: XOR of the two halves. Deterministic, not reversible.
	var out uint64
	hi := binary.BigEndian.Uint64(id[0:8])
	lo := binary.BigEndian.Uint64(id[8:16])
	out = hi ^ lo
	return out
}

func newLedgerKey(creditor, debitor ID, cid ID, line uint64, col ledgerColumn) ledgerKey {
	var k ledgerKey
	pair := PairKey(creditor, debitor)
	copy(k[0:8], pair[:])
	binary.BigEndian.PutUint64(k[8:16], compactID(cid))
	binary.BigEndian.PutUint64(k[16:24], line)
	binary.BigEndian.PutUint64(k[24:32], columnHash(col))
	return k
}

// ledgerMetaKey is the all-0xff-except-pair-prefix key the pair's meta
// record lives at. len == ^uint64(0) (SubKeyReserved) for this key, mirroring
// the original's "meta is the absolute last key" invariant.
func ledgerMetaKey(creditor, debitor ID) ledgerKey {
	var k ledgerKey
	for i := range k {
		k[i] = 0xff
	}
	pair := PairKey(creditor, debitor)
	copy(k[0:8], pair[:])
	return k
}

// isLedgerMetaKey matches a key against the meta-key shape: every byte past
// the pair prefix is 0xff.
func isLedgerMetaKey(k []byte) bool {
	if len(k) != 32 {
		return false
	}
	for i := 8; i < 32; i++ {
		if k[i] != 0xff {
			return false
		}
	}
	return true
}

// LedgerMeta is the pairwise meta record: {creditor, debitor, len,
// balances: map<currency,int64_milli>}.
type LedgerMeta struct {
	Creditor ID               `json:"creditor"`
	Debitor  ID                `json:"debitor"`
	Len      uint64            `json:"len"`
	Balances map[string]int64  `json:"balances"`
}

func newLedgerMeta(creditor, debitor ID) LedgerMeta {
	return LedgerMeta{Creditor: creditor, Debitor: debitor, Balances: map[string]int64{}}
}

// update adjusts the meta's balance for entry and bumps len. It rejects
// entries whose (creditor, debitor) pair doesn't match this meta's pair in
// either direction.
func (m LedgerMeta) update(entry LedgerEntry) (LedgerMeta, error) {
	var mul int64
	switch {
	case entry.Creditor == m.Creditor && entry.Debitor == m.Debitor:
		mul = 1
	case entry.Creditor == m.Debitor && entry.Debitor == m.Creditor:
		mul = -1
	default:
		return m, Errf(KindLedgerInvariant, "LedgerMeta.update", "ledger entry does not match ledger owners")
	}
	delta := mul * entry.AmountMilli
	switch entry.Kind {
	case EntryCreate:
		m.Balances[entry.Currency] += delta
	case EntrySettle, EntryCancel:
		m.Balances[entry.Currency] -= delta
	default:
		return m, Errf(KindLedgerInvariant, "LedgerMeta.update", "unknown entry kind %d", entry.Kind)
	}
	m.Len++
	return m, nil
}

// Balances is the json-friendly, decimal-string rendering of one pair's
// balances.
type Balances struct {
	Creditor ID                `json:"creditor"`
	Debitor  ID                `json:"debitor"`
	Balances map[string]string `json:"balances"`
}

// milliToDecimalString renders a signed milli-unit balance as a decimal
// string, e.g. 85000 -> "85.000".
func milliToDecimalString(milli int64) string {
	return decimal.New(milli, -3).StringFixed(3)
}

func (m LedgerMeta) toBalances() Balances {
	out := Balances{Creditor: m.Creditor, Debitor: m.Debitor, Balances: make(map[string]string, len(m.Balances))}
	for currency, v := range m.Balances {
		out.Balances[currency] = milliToDecimalString(v)
	}
	return out
}

// Ledger is the pairwise credit/debit journal, scoped to the shared ledger
// sub-database (cross-program, unlike everything else which is partitioned
// per program id).
type Ledger struct{ tx *RwTx }

func NewLedger(tx *RwTx) *Ledger { return &Ledger{tx: tx} }

func (l *Ledger) readMeta(creditor, debitor ID) (LedgerMeta, error) {
	key := ledgerMetaKey(creditor, debitor)
	raw, err := l.tx.Get(SubDBLedger, key[:])
	if err != nil {
		return LedgerMeta{}, Wrapf(KindStorage, "Ledger.readMeta", err)
	}
	if raw == nil {
		return newLedgerMeta(creditor, debitor), nil
	}
	var m LedgerMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return LedgerMeta{}, Wrapf(KindEncoding, "Ledger.readMeta", err)
	}
	return m, nil
}

func (l *Ledger) writeMeta(creditor, debitor ID, m LedgerMeta) error {
	key := ledgerMetaKey(creditor, debitor)
	buf, err := json.Marshal(m)
	if err != nil {
		return Wrapf(KindEncoding, "Ledger.writeMeta", err)
	}
	return l.tx.Put(SubDBLedger, key[:], buf)
}

// CommitEntry reads the pairwise meta, adjusts balances, rejects entries
// not belonging to that pair, and writes one ledger line split into typed
// columns plus the new meta.
func (l *Ledger) CommitEntry(entry LedgerEntry, cid ID, txCtx TxContext) error {
	meta, err := l.readMeta(entry.Creditor, entry.Debitor)
	if err != nil {
		return err
	}
	meta, err = meta.update(entry)
	if err != nil {
		return err
	}
	line := meta.Len - 1 // the line just written

	writes := map[ledgerColumn][]byte{
		colCreditor: entry.Creditor[:],
		colDebitor:  entry.Debitor[:],
		colTag:      []byte(entry.Tag),
		colCurrency: []byte(entry.Currency),
	}
	var amtBuf, taxBuf [8]byte
	binary.BigEndian.PutUint64(amtBuf[:], uint64(entry.AmountMilli))
	binary.BigEndian.PutUint64(taxBuf[:], uint64(entry.TaxMilli))
	writes[colAmount] = amtBuf[:]
	writes[colTax] = taxBuf[:]
	txCtxBytes, err := json.Marshal(txCtx)
	if err != nil {
		return Wrapf(KindEncoding, "Ledger.CommitEntry", err)
	}
	writes[colTxCtx] = txCtxBytes

	for col, v := range writes {
		k := newLedgerKey(entry.Creditor, entry.Debitor, cid, line, col)
		if err := l.tx.Put(SubDBLedger, k[:], v); err != nil {
			return err
		}
	}
	return l.writeMeta(entry.Creditor, entry.Debitor, meta)
}

// Meta returns the pairwise meta record for (p1, p2), or a zero-length meta
// if no entries have been committed for that pair yet.
func (l *Ledger) Meta(p1, p2 ID) (LedgerMeta, error) { return l.readMeta(p1, p2) }

// BalancesFor returns the decimal-string balances of (p1, p2).
func (l *Ledger) BalancesFor(p1, p2 ID) (Balances, error) {
	m, err := l.readMeta(p1, p2)
	if err != nil {
		return Balances{}, err
	}
	return m.toBalances(), nil
}

// All scans every pairwise meta record via the 0xff-prefix bit-mask,
// listing the whole ledger's pairs.
func (l *Ledger) All() ([]LedgerMeta, error) {
	cur, err := l.tx.Cursor(SubDBLedger)
	if err != nil {
		return nil, err
	}
	var out []LedgerMeta
	for k, v := cur.First(); k != nil; k, v = cur.Next() {
		if !isLedgerMetaKey(k) {
			continue
		}
		var m LedgerMeta
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, Wrapf(KindEncoding, "Ledger.All", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// AllBalances is All() rendered as decimal-string Balances.
func (l *Ledger) AllBalances() ([]Balances, error) {
	metas, err := l.All()
	if err != nil {
		return nil, err
	}
	out := make([]Balances, len(metas))
	for i, m := range metas {
		out[i] = m.toBalances()
	}
	return out, nil
}
