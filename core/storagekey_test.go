package core

import "testing"

func TestStorageKeyRoundTrip(t *testing.T) {
	pid := NewID(KindContract)
	key := SystemKey(pid, BaseKeyActions, 42)

	if got := key.ProgramID(); got != pid {
		t.Fatalf("ProgramID = %s, want %s", got, pid)
	}
	if got := key.SubKey(); got != 42 {
		t.Fatalf("SubKey = %d, want 42", got)
	}
	if !key.IsSystemKey() {
		t.Fatal("expected SystemKey to produce a system-space key")
	}
}

func TestUserKeyForcesHighBit(t *testing.T) {
	pid := NewID(KindContract)
	key := UserKey(pid, 5, 1)
	if !key.IsUserKey() {
		t.Fatal("expected UserKey to set the user-space high bit")
	}
	if key.BaseKey() == 5 {
		t.Fatal("expected the blinded base key to differ from the raw input")
	}
}

func TestSystemKeyForcesHighBitClear(t *testing.T) {
	pid := NewID(KindContract)
	// Even when the caller passes a base key with the high bit already
	// set, SystemKey must still clear it.
	key := SystemKey(pid, userSpaceBit|3, 1)
	if !key.IsSystemKey() {
		t.Fatal("expected SystemKey to clear the user-space bit unconditionally")
	}
}

func TestWriteIntroductionPersistsMethodTable(t *testing.T) {
	rt := newTestRuntime(t)
	pid := NewID(KindContract)
	owner := NewID(KindParticipant)

	err := rt.Store.Update(func(tx *RwTx) error {
		return WriteIntroduction(tx, Introduction{
			ID:        pid,
			Meta:      Metadata{Name: "test"},
			StateType: "Account",
			Methods:   []string{"deposit", "withdraw"},
		}, owner)
	})
	if err != nil {
		t.Fatalf("WriteIntroduction with a valid method set: %v", err)
	}

	err = rt.Store.View(func(tx *Tx) error {
		table, err := NewController(tx, pid).MethodTable()
		if err != nil {
			return err
		}
		if table == nil {
			t.Fatal("expected a persisted method table")
		}
		if _, err := table.Resolve(CallAction{Method: "deposit"}); err != nil {
			t.Fatalf("Resolve deposit: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify method table: %v", err)
	}
}
