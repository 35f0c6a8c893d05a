package transport

import (
	"bytes"
	"errors"
)

var ErrBufferOverflow = errors.New("reassembly buffer overflow")

// MaxReassemblySize is the default limit for a T_DATA_MORE chain
const MaxReassemblySize = 65536

// Reassembler joins the T_DATA_MORE fragments of one connection
type Reassembler struct {
	buffer     bytes.Buffer
	inProgress bool
	max        int
}

// NewReassembler creates a reassembler accepting chains up to max bytes
func NewReassembler(max int) *Reassembler {
	return &Reassembler{max: max}
}

// More appends a non-final fragment
func (r *Reassembler) More(data []byte) error {
	if r.buffer.Len()+len(data) > r.max {
		r.Reset()
		return ErrBufferOverflow
	}
	r.buffer.Write(data)
	r.inProgress = true
	return nil
}

// Last appends the final fragment and returns the complete block.
// A single packet is returned as is, without copying.
func (r *Reassembler) Last(data []byte) ([]byte, error) {
	if !r.inProgress {
		return data, nil
	}
	if r.buffer.Len()+len(data) > r.max {
		r.Reset()
		return nil, ErrBufferOverflow
	}
	result := make([]byte, 0, r.buffer.Len()+len(data))
	result = append(result, r.buffer.Bytes()...)
	result = append(result, data...)
	r.Reset()
	return result, nil
}

// Reset drops any partial chain
func (r *Reassembler) Reset() {
	r.buffer.Reset()
	r.inProgress = false
}

// InProgress returns true if a chain is being collected
func (r *Reassembler) InProgress() bool {
	return r.inProgress
}

// Len returns the number of bytes collected so far
func (r *Reassembler) Len() int {
	return r.buffer.Len()
}
