package mvcc

import "fmt"

// WriteKind is the kind of change a committed version makes to its key.
type WriteKind int

const (
	WriteKindPut    WriteKind = 1
	WriteKindDelete WriteKind = 2
)

func (wk WriteKind) String() string {
	switch wk {
	case WriteKindPut:
		return "put"
	case WriteKindDelete:
		return "delete"
	}
	return fmt.Sprintf("unknown(%d)", int(wk))
}

// Mutation is a single buffered write of a transaction. A delete carries no
// value; once committed it becomes a tombstone version that hides older ones.
type Mutation struct {
	Kind  WriteKind
	Key   []byte
	Value []byte
}

// Put returns a mutation that sets key to value.
func Put(key, value []byte) Mutation {
	return Mutation{Kind: WriteKindPut, Key: key, Value: value}
}

// Delete returns a mutation that removes key.
func Delete(key []byte) Mutation {
	return Mutation{Kind: WriteKindDelete, Key: key}
}

// Size is the number of bytes the mutation occupies once stored.
func (m Mutation) Size() int {
	return len(m.Key) + len(m.Value)
}

func (m Mutation) String() string {
	if m.Kind == WriteKindPut {
		return fmt.Sprintf("%s %q=%q", m.Kind, m.Key, m.Value)
	}
	return fmt.Sprintf("%s %q", m.Kind, m.Key)
}
