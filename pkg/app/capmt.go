package app

import (
	"bytes"
	"fmt"
)

// DescriptorTagCA is the MPEG conditional access descriptor tag
const DescriptorTagCA uint8 = 0x09

// Descriptor is an MPEG descriptor; Data excludes the tag and length bytes
type Descriptor struct {
	Tag  uint8
	Data []byte
}

func (d Descriptor) size() int {
	return 2 + len(d.Data)
}

func (d Descriptor) appendTo(b []byte) []byte {
	b = append(b, d.Tag, byte(len(d.Data)))
	return append(b, d.Data...)
}

func (d Descriptor) equal(o Descriptor) bool {
	return d.Tag == o.Tag && bytes.Equal(d.Data, o.Data)
}

// PMTStream is one elementary stream of a PMT
type PMTStream struct {
	StreamType  uint8
	PID         uint16
	Descriptors []Descriptor
}

// PMT is the part of a program map section the CA_PMT is built from
type PMT struct {
	ProgramNumber uint16
	Version       uint8
	CurrentNext   bool
	Descriptors   []Descriptor
	Streams       []PMTStream
}

func caDescriptors(in []Descriptor) ([]Descriptor, error) {
	var out []Descriptor
	for _, d := range in {
		if d.Tag != DescriptorTagCA {
			continue
		}
		if len(d.Data) > 0xff {
			return nil, fmt.Errorf("%w: CA descriptor of %d bytes", ErrBadLength, len(d.Data))
		}
		out = append(out, d)
	}
	return out, nil
}

func sameDescriptors(a, b []Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].equal(b[i]) {
			return false
		}
	}
	return true
}

// descriptorBlock is the length of a CA descriptor loop including the
// cmd_id byte present whenever the loop is not empty
func descriptorBlock(ds []Descriptor) int {
	n := 0
	for _, d := range ds {
		n += d.size()
	}
	if n > 0 {
		n++
	}
	return n
}

// FormatPMT builds the body of a CA_PMT APDU from pmt. Only CA descriptors
// are carried. With moveCADescriptors set and no program level CA
// descriptors, stream CA descriptors are moved to program level when every
// stream carries exactly the same set.
func FormatPMT(pmt PMT, moveCADescriptors bool, listManagement, cmdID uint8) ([]byte, error) {
	program, err := caDescriptors(pmt.Descriptors)
	if err != nil {
		return nil, err
	}
	streams := make([][]Descriptor, len(pmt.Streams))
	for i, s := range pmt.Streams {
		if streams[i], err = caDescriptors(s.Descriptors); err != nil {
			return nil, err
		}
	}

	if len(program) == 0 && moveCADescriptors && len(streams) > 0 {
		hoist := true
		for _, ds := range streams[1:] {
			if !sameDescriptors(streams[0], ds) {
				hoist = false
				break
			}
		}
		if hoist {
			program = streams[0]
			for i := range streams {
				streams[i] = nil
			}
		}
	}

	programLen := descriptorBlock(program)
	total := 6 + programLen
	for _, ds := range streams {
		total += 5 + descriptorBlock(ds)
	}

	out := make([]byte, 0, total)
	current := uint8(0)
	if pmt.CurrentNext {
		current = 1
	}
	out = append(out,
		listManagement,
		byte(pmt.ProgramNumber>>8), byte(pmt.ProgramNumber),
		(pmt.Version&0x1f)<<1|current,
	)
	out, err = appendDescriptorLoop(out, program, cmdID, programLen)
	if err != nil {
		return nil, err
	}
	for i, s := range pmt.Streams {
		out = append(out, s.StreamType, byte(s.PID>>8)&0x1f, byte(s.PID))
		if out, err = appendDescriptorLoop(out, streams[i], cmdID, descriptorBlock(streams[i])); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func appendDescriptorLoop(out []byte, ds []Descriptor, cmdID uint8, length int) ([]byte, error) {
	if length > 0xfff {
		return nil, fmt.Errorf("%w: descriptor loop of %d bytes", ErrTooLong, length)
	}
	out = append(out, byte(length>>8)&0x0f, byte(length))
	if length == 0 {
		return out, nil
	}
	out = append(out, cmdID)
	for _, d := range ds {
		out = d.appendTo(out)
	}
	return out, nil
}
