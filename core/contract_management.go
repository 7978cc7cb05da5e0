package core

import "encoding/json"

// Administrative lifecycle operations layered on top of introduction,
// action execution and revocation: transferring ownership, pausing/
// resuming a live program, and replacing its bytecode in place. All three
// are gated on the caller matching the program's recorded owner and are
// rejected outright against a revoked program, which is terminal.

// requireOwner rejects the call unless caller is pid's recorded owner.
func requireOwner(tx *RwTx, pid, caller ID) error {
	raw, err := tx.Get(SubDBContract, SystemKey(pid, BaseKeyMetadata, MetaSubKeyOwner).Bytes())
	if err != nil {
		return Wrapf(KindStorage, "requireOwner", err)
	}
	var owner ID
	if raw != nil {
		if err := json.Unmarshal(raw, &owner); err != nil {
			return Wrapf(KindEncoding, "requireOwner", err)
		}
	}
	if owner != caller {
		return Errf(KindUnauthorized, "requireOwner", "caller %s is not owner of %s", caller, pid)
	}
	return nil
}

// TransferOwnership reassigns pid's recorded owner to newOwner. caller must
// be the current owner; the program must exist and not be revoked.
func (rt *Runtime) TransferOwnership(pid, caller, newOwner ID) error {
	return rt.Store.Update(func(tx *RwTx) error {
		if err := requireLive(tx, pid); err != nil {
			return err
		}
		if err := requireOwner(tx, pid, caller); err != nil {
			return err
		}
		return SetOwner(tx, pid, newOwner)
	})
}

// PauseContract stops pid from admitting further actions or HTTP views
// without revoking it; ResumeContract reverses this. Neither is guest-
// driven: pausing is a host-side administrative flag, not a guest
// decision.
func (rt *Runtime) PauseContract(pid, caller ID) error {
	return rt.Store.Update(func(tx *RwTx) error {
		if err := requireLive(tx, pid); err != nil {
			return err
		}
		if err := requireOwner(tx, pid, caller); err != nil {
			return err
		}
		return SetPaused(tx, pid, true)
	})
}

// ResumeContract clears a program's paused flag. It does not call
// requireLive (which rejects paused programs); it checks only existence,
// revocation and ownership, so a redundant resume on an already-running
// program is a no-op.
func (rt *Runtime) ResumeContract(pid, caller ID) error {
	return rt.Store.Update(func(tx *RwTx) error {
		exists, err := programExists(tx, pid)
		if err != nil {
			return err
		}
		if !exists {
			return Errf(KindMissingProgram, "ResumeContract", "no such program %s", pid)
		}
		revoked, err := programRevoked(tx, pid)
		if err != nil {
			return err
		}
		if revoked {
			return Errf(KindActionValidation, "ResumeContract", "program %s is revoked", pid)
		}
		if err := requireOwner(tx, pid, caller); err != nil {
			return err
		}
		return SetPaused(tx, pid, false)
	})
}

// UpgradeContract replaces pid's installed bytecode in place: the
// compiled-module cache and code-hash metadata are overwritten, but every
// other piece of metadata (participants, roles, owner, action log, ledger)
// survives untouched. The program must be paused first, so no invocation
// can race the swap; callers resume it themselves once satisfied the new
// code behaves.
func (rt *Runtime) UpgradeContract(pid, caller ID, newCode []byte) error {
	return rt.Store.Update(func(tx *RwTx) error {
		exists, err := programExists(tx, pid)
		if err != nil {
			return err
		}
		if !exists {
			return Errf(KindMissingProgram, "UpgradeContract", "no such program %s", pid)
		}
		revoked, err := programRevoked(tx, pid)
		if err != nil {
			return err
		}
		if revoked {
			return Errf(KindActionValidation, "UpgradeContract", "program %s is revoked", pid)
		}
		if err := requireOwner(tx, pid, caller); err != nil {
			return err
		}
		paused, err := programPaused(tx, pid)
		if err != nil {
			return err
		}
		if !paused {
			return Errf(KindActionValidation, "UpgradeContract", "program %s must be paused before upgrade", pid)
		}
		return rt.Cache.Install(tx, pid, newCode)
	})
}
