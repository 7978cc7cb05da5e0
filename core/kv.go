package core

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// Named sub-databases. Each is a bbolt bucket at the top level of the store
// file — the closest bbolt analogue to the original "named sub-database"
// KV trait surface.
const (
	SubDBContract      = "contract"
	SubDBWasmCode      = "wasm-code"
	SubDBActionTxRel   = "action-tx-rel"
	SubDBLedger        = "ledger"
	SubDBSubscriptions = "subscription-rel"
)

var allSubDBs = []string{SubDBContract, SubDBWasmCode, SubDBActionTxRel, SubDBLedger, SubDBSubscriptions}

// Store is the durable ordered key-value store backing every subsystem in
// this package. It wraps bbolt the same way the rest of the pack treats it:
// one file, named buckets as sub-databases, View/Update as ro/rw
// transactions, a Cursor for forward iteration.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if necessary) a bbolt file at path and ensures
// every sub-database bucket exists.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, Wrapf(KindStorage, "OpenStore", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allSubDBs {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, Wrapf(KindStorage, "OpenStore", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Tx is a read-only view over the store's sub-databases.
type Tx struct{ tx *bolt.Tx }

// RwTx is a read-write transaction. Reads within it observe its own writes.
type RwTx struct{ tx *bolt.Tx }

// View runs fn inside a read-only transaction. fn's own error, if already
// typed, is returned verbatim so its ErrorKind survives (a missing-program
// or validation error must not present to callers as a storage fault);
// only a bare error straight from bbolt itself gets tagged KindStorage
// here.
func (s *Store) View(fn func(*Tx) error) error {
	var fnErr error
	err := s.db.View(func(btx *bolt.Tx) error {
		fnErr = fn(&Tx{tx: btx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return Wrapf(KindStorage, "Store.View", err)
	}
	return nil
}

// Update runs fn inside a read-write transaction; fn's return value
// controls commit (nil) vs rollback (non-nil). Like View, fn's own typed
// error is returned verbatim rather than flattened to KindStorage.
func (s *Store) Update(fn func(*RwTx) error) error {
	var fnErr error
	err := s.db.Update(func(btx *bolt.Tx) error {
		fnErr = fn(&RwTx{tx: btx})
		return fnErr
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return Wrapf(KindStorage, "Store.Update", err)
	}
	return nil
}

// DryRun runs fn inside a read-write transaction exactly like Update, but
// always rolls back regardless of fn's own outcome. fn's returned error (if
// any) is still propagated to the caller so validation failures surface.
func (s *Store) DryRun(fn func(*RwTx) error) error {
	var fnErr error
	txErr := s.db.Update(func(btx *bolt.Tx) error {
		fnErr = fn(&RwTx{tx: btx})
		// Always force a rollback: returning a non-nil error from the
		// bbolt Update callback is the only way to discard writes.
		if fnErr != nil {
			return fnErr
		}
		return errDryRunRollback
	})
	if fnErr != nil {
		return fnErr
	}
	if txErr != nil && txErr != errDryRunRollback {
		return Wrapf(KindStorage, "Store.DryRun", txErr)
	}
	return nil
}

// errDryRunRollback is a sentinel used only to force bbolt to discard a
// successful dry-run transaction's writes; it never escapes DryRun.
var errDryRunRollback = dryRunSentinel{}

type dryRunSentinel struct{}

func (dryRunSentinel) Error() string { return "dry-run rollback" }

func bucket(tx *bolt.Tx, subDB string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(subDB))
	if b == nil {
		return nil, Errf(KindStorage, "bucket", "sub-database %q not found", subDB)
	}
	return b, nil
}

// Get reads key from subDB; a missing key returns (nil, nil).
func (t *Tx) Get(subDB string, key []byte) ([]byte, error) {
	b, err := bucket(t.tx, subDB)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Has reports whether key exists in subDB.
func (t *Tx) Has(subDB string, key []byte) (bool, error) {
	v, err := t.Get(subDB, key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Cursor returns a forward cursor over subDB.
func (t *Tx) Cursor(subDB string) (*Cursor, error) {
	b, err := bucket(t.tx, subDB)
	if err != nil {
		return nil, err
	}
	return &Cursor{c: b.Cursor()}, nil
}

func (t *RwTx) Get(subDB string, key []byte) ([]byte, error) {
	b, err := bucket(t.tx, subDB)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *RwTx) Has(subDB string, key []byte) (bool, error) {
	v, err := t.Get(subDB, key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

func (t *RwTx) Cursor(subDB string) (*Cursor, error) {
	b, err := bucket(t.tx, subDB)
	if err != nil {
		return nil, err
	}
	return &Cursor{c: b.Cursor()}, nil
}

// Put writes key/value into subDB.
func (t *RwTx) Put(subDB string, key, value []byte) error {
	b, err := bucket(t.tx, subDB)
	if err != nil {
		return err
	}
	if err := b.Put(key, value); err != nil {
		return Wrapf(KindStorage, "RwTx.Put", err)
	}
	return nil
}

// Delete removes key from subDB; missing keys are a no-op.
func (t *RwTx) Delete(subDB string, key []byte) error {
	b, err := bucket(t.tx, subDB)
	if err != nil {
		return err
	}
	if err := b.Delete(key); err != nil {
		return Wrapf(KindStorage, "RwTx.Delete", err)
	}
	return nil
}

// Cursor is a forward-iteration cursor over one sub-database.
type Cursor struct{ c *bolt.Cursor }

// Seek positions the cursor at the first key >= prefix.
func (c *Cursor) Seek(prefix []byte) (key, value []byte) { return c.c.Seek(prefix) }

// First positions the cursor at the first key in the sub-database.
func (c *Cursor) First() (key, value []byte) { return c.c.First() }

// Next advances the cursor.
func (c *Cursor) Next() (key, value []byte) { return c.c.Next() }
