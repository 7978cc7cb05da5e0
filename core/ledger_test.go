package core

import "testing"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLedgerDirectionLaw(t *testing.T) {
	store := newTestStore(t)
	a := NewID(KindParticipant)
	b := NewID(KindParticipant)
	cid := NewID(KindContract)

	err := store.Update(func(tx *RwTx) error {
		l := NewLedger(tx)
		// a -> b, 100.000 USD: credits a's side of the pair.
		if err := l.CommitEntry(LedgerEntry{
			Kind: EntryCreate, Creditor: a, Debitor: b, AmountMilli: 100000, Currency: "USD",
		}, cid, TxContext{TxID: NewTxID()}); err != nil {
			return err
		}
		// b -> a, 40.000 USD: the reverse direction on the same pair, so it
		// must subtract rather than add a second, independent balance.
		if err := l.CommitEntry(LedgerEntry{
			Kind: EntryCreate, Creditor: b, Debitor: a, AmountMilli: 40000, Currency: "USD",
		}, cid, TxContext{TxID: NewTxID()}); err != nil {
			return err
		}
		meta, err := l.Meta(a, b)
		if err != nil {
			return err
		}
		if got := meta.Balances["USD"]; got != 60000 {
			t.Fatalf("USD balance = %d, want 60000", got)
		}
		if meta.Len != 2 {
			t.Fatalf("Len = %d, want 2", meta.Len)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestLedgerCurrencyIsolation(t *testing.T) {
	store := newTestStore(t)
	a := NewID(KindParticipant)
	b := NewID(KindParticipant)
	cid := NewID(KindContract)

	err := store.Update(func(tx *RwTx) error {
		l := NewLedger(tx)
		if err := l.CommitEntry(LedgerEntry{
			Kind: EntryCreate, Creditor: a, Debitor: b, AmountMilli: 5000, Currency: "USD",
		}, cid, TxContext{TxID: NewTxID()}); err != nil {
			return err
		}
		if err := l.CommitEntry(LedgerEntry{
			Kind: EntryCreate, Creditor: a, Debitor: b, AmountMilli: 7000, Currency: "EUR",
		}, cid, TxContext{TxID: NewTxID()}); err != nil {
			return err
		}
		// Settling the USD leg must not touch the EUR balance.
		if err := l.CommitEntry(LedgerEntry{
			Kind: EntrySettle, Creditor: a, Debitor: b, AmountMilli: 2000, Currency: "USD",
		}, cid, TxContext{TxID: NewTxID()}); err != nil {
			return err
		}
		meta, err := l.Meta(a, b)
		if err != nil {
			return err
		}
		if got := meta.Balances["USD"]; got != 3000 {
			t.Fatalf("USD balance = %d, want 3000", got)
		}
		if got := meta.Balances["EUR"]; got != 7000 {
			t.Fatalf("EUR balance = %d, want 7000 (unaffected by the USD settle)", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestLedgerRejectsForeignEntry(t *testing.T) {
	store := newTestStore(t)
	a := NewID(KindParticipant)
	b := NewID(KindParticipant)
	// stranger differs from b, but flipping the same bit in bytes 0 and 8
	// cancels out in PairKey's XOR fold, so PairKey(a, stranger) ==
	// PairKey(a, b).
	stranger := b
	stranger[0] ^= 0x01
	stranger[8] ^= 0x01
	cid := NewID(KindContract)

	err := store.Update(func(tx *RwTx) error {
		l := NewLedger(tx)
		if err := l.CommitEntry(LedgerEntry{
			Kind: EntryCreate, Creditor: a, Debitor: b, AmountMilli: 1000, Currency: "USD",
		}, cid, TxContext{TxID: NewTxID()}); err != nil {
			return err
		}
		// Re-using the same pairwise meta key (PairKey is order-independent)
		// for a third, unrelated participant must be rejected, not silently
		// folded into the existing pair's balance.
		err := l.CommitEntry(LedgerEntry{
			Kind: EntryCreate, Creditor: a, Debitor: stranger, AmountMilli: 1000, Currency: "USD",
		}, cid, TxContext{TxID: NewTxID()})
		if err == nil {
			t.Fatal("expected an error committing an entry for a different pair")
		}
		if kind, ok := KindOf(err); !ok || kind != KindLedgerInvariant {
			t.Fatalf("got kind %v, want KindLedgerInvariant", kind)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestLedgerBalancesForRendersDecimalStrings(t *testing.T) {
	store := newTestStore(t)
	a := NewID(KindParticipant)
	b := NewID(KindParticipant)
	cid := NewID(KindContract)

	err := store.Update(func(tx *RwTx) error {
		l := NewLedger(tx)
		return l.CommitEntry(LedgerEntry{
			Kind: EntryCreate, Creditor: a, Debitor: b, AmountMilli: 85000, Currency: "USD",
		}, cid, TxContext{TxID: NewTxID()})
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	err = store.Update(func(tx *RwTx) error {
		bal, err := NewLedger(tx).BalancesFor(a, b)
		if err != nil {
			return err
		}
		if got := bal.Balances["USD"]; got != "85.000" {
			t.Fatalf("USD decimal string = %q, want %q", got, "85.000")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
}
