package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// IDKind distinguishes the three identifier spaces. It is recoverable from
// an id's leading nibble alone.
type IDKind byte

const (
	KindParticipant IDKind = 0x1
	KindContract    IDKind = 0x2
	KindAgent       IDKind = 0x3
)

func (k IDKind) String() string {
	switch k {
	case KindParticipant:
		return "participant"
	case KindContract:
		return "contract"
	case KindAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// ID is a 128-bit version-8 UUID whose leading 4 bits are fixed per kind.
// Contract and agent ids are both "program ids"; their kind is recovered
// from the prefix so the two spaces never collide.
type ID [16]byte

var Nil ID

// NewID mints a fresh random version-8 UUID and stamps it with kind.
func NewID(kind IDKind) ID {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("core: entropy source failed: %v", err))
	}
	// RFC 9562 version-8 layout: version nibble in byte 6 high bits,
	// variant bits in byte 8. We additionally repurpose the top nibble
	// of byte 0 to carry our own kind tag, which keeps the three id
	// spaces prefix-disjoint without needing a side table.
	raw[6] = 0x80 | (raw[6] & 0x0f) // version 8
	raw[8] = 0x80 | (raw[8] & 0x3f) // RFC 4122 variant
	raw[0] = (byte(kind) << 4) | (raw[0] & 0x0f)
	return ID(raw)
}

// Kind reports the id's stamped kind, recovered from its leading nibble.
func (id ID) Kind() IDKind { return IDKind(id[0] >> 4) }

func (id ID) String() string { return uuid.UUID(id).String() }

func (id ID) Bytes() []byte { return id[:] }

func (id ID) Hex() string { return hex.EncodeToString(id[:]) }

func (id ID) IsNil() bool { return id == Nil }

func (id ID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ID) UnmarshalText(text []byte) error {
	u, err := uuid.Parse(string(text))
	if err != nil {
		return Errf(KindEncoding, "ID.UnmarshalText", "parse id: %w", err)
	}
	*id = ID(u)
	return nil
}

// ParseID parses a canonical UUID string into an ID without checking kind.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, Errf(KindEncoding, "ParseID", "parse id %q: %w", s, err)
	}
	return ID(u), nil
}

// ParticipantID, ContractID and AgentID are kind-tagged aliases over ID.
// They exist so function signatures document which id space is expected;
// the underlying representation is identical.
type ParticipantID = ID
type ContractID = ID
type AgentID = ID

// NewParticipantID, NewContractID and NewAgentID mint a fresh id of the
// matching kind.
func NewParticipantID() ParticipantID { return NewID(KindParticipant) }
func NewContractID() ContractID       { return NewID(KindContract) }
func NewAgentID() AgentID             { return NewID(KindAgent) }

// IsContract reports whether id carries the contract kind tag.
func (id ID) IsContract() bool { return id.Kind() == KindContract }

// IsAgent reports whether id carries the agent kind tag.
func (id ID) IsAgent() bool { return id.Kind() == KindAgent }

// PairKey computes an order-independent 8-byte compaction of two
// participant ids, used to key the pairwise ledger. XOR-folding both ids'
// bytes keeps the result symmetric under swapping p and q while still
// depending on both operands.
func PairKey(p, q ParticipantID) [8]byte {
	var out [8]byte
	for i := 0; i < 16; i++ {
		out[i%8] ^= p[i] ^ q[i]
	}
	return out
}
