package app

import "fmt"

// MaxFragmentedSize bounds an APDU object joined from More fragments
const MaxFragmentedSize = 65536

// ReassemblyState tells how a fragment was absorbed
type ReassemblyState int

const (
	// Pending means more fragments are expected
	Pending ReassemblyState = iota
	// Borrowed means the object arrived in one fragment; Data aliases the
	// caller's buffer and is only valid during the call
	Borrowed
	// Owned means Data was concatenated from several fragments and now
	// belongs to the receiver
	Owned
)

// String returns string representation of ReassemblyState
func (s ReassemblyState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Borrowed:
		return "Borrowed"
	case Owned:
		return "Owned"
	default:
		return "Unknown"
	}
}

// Reassembled is the outcome of feeding a More/Last fragment
type Reassembled struct {
	State ReassemblyState
	Data  []byte
}

// Complete reports whether a whole object is available
func (r Reassembled) Complete() bool {
	return r.State != Pending
}

// fragments accumulates More fragments per key until the Last one
type fragments[K comparable] struct {
	chains map[K][]byte
}

func newFragments[K comparable]() fragments[K] {
	return fragments[K]{chains: make(map[K][]byte)}
}

// add absorbs one fragment. A chain growing past MaxFragmentedSize is
// dropped. Callers hold the lock guarding f.
func (f *fragments[K]) add(key K, last bool, data []byte) (Reassembled, error) {
	chain, ok := f.chains[key]
	if ok && len(chain)+len(data) > MaxFragmentedSize {
		delete(f.chains, key)
		return Reassembled{}, fmt.Errorf("%w: fragment chain exceeds %d bytes", ErrTooLong, MaxFragmentedSize)
	}
	if !last {
		f.chains[key] = append(chain, data...)
		return Reassembled{State: Pending}, nil
	}
	if !ok {
		return Reassembled{State: Borrowed, Data: data}, nil
	}
	delete(f.chains, key)
	return Reassembled{State: Owned, Data: append(chain, data...)}, nil
}

// clear drops every chain matching drop
func (f *fragments[K]) clear(drop func(K) bool) {
	for k := range f.chains {
		if drop(k) {
			delete(f.chains, k)
		}
	}
}
