package transport

import (
	"testing"
)

func TestReassembler_SinglePacketIsNotCopied(t *testing.T) {
	r := NewReassembler(16)
	data := []byte{1, 2, 3}
	block, err := r.Last(data)
	if err != nil {
		t.Fatalf("Last failed: %v", err)
	}
	if &block[0] != &data[0] {
		t.Fatalf("Expected the single packet to be returned as is")
	}
}

func TestReassembler_Chain(t *testing.T) {
	r := NewReassembler(16)
	if err := r.More([]byte{1, 2}); err != nil {
		t.Fatalf("More failed: %v", err)
	}
	if !r.InProgress() || r.Len() != 2 {
		t.Fatalf("Expected chain of 2 bytes in progress, got %d", r.Len())
	}
	block, err := r.Last([]byte{3})
	if err != nil {
		t.Fatalf("Last failed: %v", err)
	}
	if string(block) != string([]byte{1, 2, 3}) {
		t.Fatalf("Expected 010203, got %x", block)
	}
	if r.InProgress() {
		t.Fatalf("Expected chain to be consumed")
	}
}

func TestReassembler_Overflow(t *testing.T) {
	r := NewReassembler(4)
	if err := r.More([]byte{1, 2, 3}); err != nil {
		t.Fatalf("More failed: %v", err)
	}
	if _, err := r.Last([]byte{4, 5}); err != ErrBufferOverflow {
		t.Fatalf("Expected ErrBufferOverflow, got %v", err)
	}
	if r.InProgress() {
		t.Fatalf("Expected overflow to drop the chain")
	}
}
