package core

import "hash/fnv"

// MethodID is a stable hash of "StateType.method_name", used when a
// CallAction addresses a method by id rather than by string. Using the
// state type in the hash keeps two programs' same-named methods from
// colliding under the numeric id even though their string names match.
type MethodID uint32

// ComputeMethodID hashes "stateType.methodName" down to 32 bits. FNV-1a is
// used consistently with the column hash in the ledger; this is not a
// cryptographic hash, only a build-time collision check.
func ComputeMethodID(stateType, methodName string) MethodID {
	h := fnv.New32a()
	_, _ = h.Write([]byte(stateType))
	_, _ = h.Write([]byte{'.'})
	_, _ = h.Write([]byte(methodName))
	return MethodID(h.Sum32())
}

// MethodTable resolves a CallAction's method, by string or by id, against a
// fixed set of exported methods for one state type. Building one per
// program at install time surfaces id collisions immediately rather than
// at call time.
type MethodTable struct {
	stateType string
	byName    map[string]MethodID
	byID      map[MethodID]string
}

// NewMethodTable builds a table for methods, erroring if any two method
// names collide under ComputeMethodID.
func NewMethodTable(stateType string, methods []string) (*MethodTable, error) {
	t := &MethodTable{
		stateType: stateType,
		byName:    make(map[string]MethodID, len(methods)),
		byID:      make(map[MethodID]string, len(methods)),
	}
	for _, m := range methods {
		id := ComputeMethodID(stateType, m)
		if existing, ok := t.byID[id]; ok && existing != m {
			return nil, Errf(KindActionValidation, "NewMethodTable", "method id collision between %q and %q on %s", existing, m, stateType)
		}
		t.byName[m] = id
		t.byID[id] = m
	}
	return t, nil
}

// Resolve recovers a method name from a CallAction, preferring Method when
// both are set, and validating a MethodID actually belongs to this table.
func (t *MethodTable) Resolve(call CallAction) (string, error) {
	if call.Method != "" {
		if _, ok := t.byName[call.Method]; !ok {
			return "", Errf(KindActionValidation, "MethodTable.Resolve", "unknown method %q on %s", call.Method, t.stateType)
		}
		return call.Method, nil
	}
	if call.MethodID != nil {
		name, ok := t.byID[MethodID(*call.MethodID)]
		if !ok {
			return "", Errf(KindActionValidation, "MethodTable.Resolve", "unknown method id %d on %s", *call.MethodID, t.stateType)
		}
		return name, nil
	}
	return "", Errf(KindActionValidation, "MethodTable.Resolve", "call action names neither method nor method_id")
}

// ID returns the numeric id for a known method name.
func (t *MethodTable) ID(method string) (MethodID, bool) {
	id, ok := t.byName[method]
	return id, ok
}
