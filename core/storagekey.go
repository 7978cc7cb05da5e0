package core

import "encoding/binary"

// Reserved system base keys. Matches the layout every other module in this
// package assumes: metadata at 0, the action log at 1, the log ring at 2,
// the package record at 3.
const (
	BaseKeyMetadata uint64 = 0
	BaseKeyActions  uint64 = 1
	BaseKeyLogs     uint64 = 2
	BaseKeyPackage  uint64 = 3
)

// SubKeyReserved is reserved within every base key for that base key's
// length/meta record. No user-space write may target it.
const SubKeyReserved uint64 = ^uint64(0)

// Metadata sub-keys, all under BaseKeyMetadata.
const (
	MetaSubKeyID           uint64 = 0
	MetaSubKeyParticipants uint64 = 1
	MetaSubKeyRoles        uint64 = 2
	MetaSubKeySinks        uint64 = 3
	MetaSubKeyDesc         uint64 = 4
	MetaSubKeyMeta         uint64 = 5
	MetaSubKeyInitState    uint64 = 6
	MetaSubKeyPackage      uint64 = 7
	MetaSubKeyCapabilities uint64 = 8
	MetaSubKeySubs         uint64 = 9
	MetaSubKeyRevoked      uint64 = 10
	MetaSubKeyOwner        uint64 = 11
	MetaSubKeyPaused       uint64 = 12
	MetaSubKeyCodeHash     uint64 = 13
	MetaSubKeyAgentInit    uint64 = 14
	MetaSubKeyMethods      uint64 = 15
)

const userSpaceBit = uint64(1) << 63

// StorageKey is the 32-byte wire key: program_id(16) || base_key_be(8) || sub_key_be(8).
type StorageKey [32]byte

// calcStorageKey lays out the three fields big-endian, as required by the
// external wire format.
func calcStorageKey(pid ID, baseKey, subKey uint64) StorageKey {
	var out StorageKey
	copy(out[0:16], pid[:])
	binary.BigEndian.PutUint64(out[16:24], baseKey)
	binary.BigEndian.PutUint64(out[24:32], subKey)
	return out
}

// UserKey builds a user-space storage key: the high bit of baseKey is always
// forced set, so user code can never accidentally address system space.
func UserKey(pid ID, baseKey, subKey uint64) StorageKey {
	return calcStorageKey(pid, baseKey|userSpaceBit, subKey)
}

// SystemKey builds a system-space storage key: the high bit of baseKey is
// always forced clear.
func SystemKey(pid ID, baseKey, subKey uint64) StorageKey {
	return calcStorageKey(pid, baseKey&^userSpaceBit, subKey)
}

func (k StorageKey) Bytes() []byte { return k[:] }

func (k StorageKey) ProgramID() ID {
	var pid ID
	copy(pid[:], k[0:16])
	return pid
}

func (k StorageKey) BaseKey() uint64 { return binary.BigEndian.Uint64(k[16:24]) }

func (k StorageKey) SubKey() uint64 { return binary.BigEndian.Uint64(k[24:32]) }

// IsUserKey reports whether the key's base key carries the user-space high
// bit.
func (k StorageKey) IsUserKey() bool { return k.BaseKey()&userSpaceBit != 0 }

// IsSystemKey is the complement of IsUserKey.
func (k StorageKey) IsSystemKey() bool { return !k.IsUserKey() }

// IsUserBaseKey reports whether a raw (unblinded) base key value would land
// in user space once blinded — used by property tests.
func IsUserBaseKey(baseKey uint64) bool { return baseKey&userSpaceBit != 0 }

// IsSystemBaseKey is the complement of IsUserBaseKey, applied to an already
// system-scoped base key (high bit clear by construction).
func IsSystemBaseKey(baseKey uint64) bool { return baseKey&userSpaceBit == 0 }
