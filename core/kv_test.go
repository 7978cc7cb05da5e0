package core

import "testing"

// TestUpdateViewPreserveErrorKind guards against Store.Update/View
// flattening a typed error returned by fn into KindStorage: callers (the
// HTTP layer especially) dispatch on ErrorKind, so a validation or
// missing-program error that entered the transaction typed must leave it
// typed.
func TestUpdateViewPreserveErrorKind(t *testing.T) {
	store, err := OpenStore(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	wantErr := Errf(KindActionValidation, "test", "boom")

	err = store.Update(func(tx *RwTx) error { return wantErr })
	if kind, ok := KindOf(err); !ok || kind != KindActionValidation {
		t.Fatalf("Update: got kind %v, want KindActionValidation", kind)
	}

	err = store.View(func(tx *Tx) error { return wantErr })
	if kind, ok := KindOf(err); !ok || kind != KindActionValidation {
		t.Fatalf("View: got kind %v, want KindActionValidation", kind)
	}
}
