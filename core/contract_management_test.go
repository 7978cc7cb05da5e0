package core

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

// emptyWasmModule is the minimal valid WebAssembly module: the magic
// header and version, no sections. It has no exports, so it is only
// usable in tests that never invoke a guest export (administrative
// lifecycle operations, not introduction/action execution).
var emptyWasmModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	store, err := OpenStore(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cache, err := NewProgramCache()
	if err != nil {
		t.Fatalf("NewProgramCache: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewRuntime(store, cache, log)
}

// installTestProgram installs a program's code and metadata directly,
// bypassing process_introduction — usable only by tests that exercise
// administrative operations rather than the guest invocation pipeline.
func installTestProgram(t *testing.T, rt *Runtime, pid, owner ID) {
	t.Helper()
	intro := Introduction{ID: pid, Meta: Metadata{Name: "test"}}
	err := rt.Store.Update(func(tx *RwTx) error {
		if err := rt.Cache.Install(tx, pid, emptyWasmModule); err != nil {
			return err
		}
		return WriteIntroduction(tx, intro, owner)
	})
	if err != nil {
		t.Fatalf("installTestProgram: %v", err)
	}
}

func TestTransferOwnership(t *testing.T) {
	rt := newTestRuntime(t)
	pid := NewID(KindContract)
	owner := NewID(KindParticipant)
	stranger := NewID(KindParticipant)
	newOwner := NewID(KindParticipant)
	installTestProgram(t, rt, pid, owner)

	if err := rt.TransferOwnership(pid, stranger, newOwner); err == nil {
		t.Fatal("expected unauthorized error for non-owner caller")
	} else if kind, ok := KindOf(err); !ok || kind != KindUnauthorized {
		t.Fatalf("got kind %v, want KindUnauthorized", kind)
	}

	if err := rt.TransferOwnership(pid, owner, newOwner); err != nil {
		t.Fatalf("TransferOwnership: %v", err)
	}

	err := rt.Store.View(func(tx *Tx) error {
		got, err := NewController(tx, pid).Owner()
		if err != nil {
			return err
		}
		if got != newOwner {
			t.Fatalf("owner = %s, want %s", got, newOwner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify owner: %v", err)
	}
}

func TestPauseResumeContract(t *testing.T) {
	rt := newTestRuntime(t)
	pid := NewID(KindContract)
	owner := NewID(KindParticipant)
	installTestProgram(t, rt, pid, owner)

	if err := rt.PauseContract(pid, owner); err != nil {
		t.Fatalf("PauseContract: %v", err)
	}
	err := rt.Store.View(func(tx *Tx) error {
		paused, err := NewController(tx, pid).IsPaused()
		if err != nil {
			return err
		}
		if !paused {
			t.Fatal("expected paused=true")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify paused: %v", err)
	}

	// A second pause is rejected: requireLive refuses every mutating call
	// (pause included) against an already-paused program.
	if err := rt.PauseContract(pid, owner); err == nil {
		t.Fatal("expected error pausing an already-paused program")
	}

	if err := rt.ResumeContract(pid, owner); err != nil {
		t.Fatalf("ResumeContract: %v", err)
	}
	err = rt.Store.View(func(tx *Tx) error {
		paused, err := NewController(tx, pid).IsPaused()
		if err != nil {
			return err
		}
		if paused {
			t.Fatal("expected paused=false after resume")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify resumed: %v", err)
	}

	// Resuming an already-running program is a harmless no-op.
	if err := rt.ResumeContract(pid, owner); err != nil {
		t.Fatalf("redundant ResumeContract: %v", err)
	}
}

func TestUpgradeContractRequiresPause(t *testing.T) {
	rt := newTestRuntime(t)
	pid := NewID(KindContract)
	owner := NewID(KindParticipant)
	installTestProgram(t, rt, pid, owner)

	if err := rt.UpgradeContract(pid, owner, emptyWasmModule); err == nil {
		t.Fatal("expected upgrade to be rejected while the program is live")
	}

	if err := rt.PauseContract(pid, owner); err != nil {
		t.Fatalf("PauseContract: %v", err)
	}

	if err := rt.UpgradeContract(pid, owner, emptyWasmModule); err != nil {
		t.Fatalf("UpgradeContract: %v", err)
	}

	err := rt.Store.View(func(tx *Tx) error {
		hash, err := CodeHash(tx, pid)
		if err != nil {
			return err
		}
		if len(hash) == 0 {
			t.Fatal("expected a recorded code hash after upgrade")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify code hash: %v", err)
	}
}

func TestUpgradeContractRejectsNonOwner(t *testing.T) {
	rt := newTestRuntime(t)
	pid := NewID(KindContract)
	owner := NewID(KindParticipant)
	stranger := NewID(KindParticipant)
	installTestProgram(t, rt, pid, owner)

	if err := rt.PauseContract(pid, owner); err != nil {
		t.Fatalf("PauseContract: %v", err)
	}
	if err := rt.UpgradeContract(pid, stranger, emptyWasmModule); err == nil {
		t.Fatal("expected unauthorized error for non-owner upgrade")
	} else if kind, ok := KindOf(err); !ok || kind != KindUnauthorized {
		t.Fatalf("got kind %v, want KindUnauthorized", kind)
	}
}
