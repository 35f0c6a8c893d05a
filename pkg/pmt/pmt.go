// Package pmt turns MPEG-TS program map tables into the input of the CA
// resource's CA_PMT builder.
package pmt

import (
	"github.com/asticode/go-astits"

	"github.com/braice/MuMuDVB-sub000/pkg/app"
)

// FromAstits converts a demuxed PMT. Descriptor payloads are kept for the
// descriptors astits leaves undecoded, which covers CA descriptors; decoded
// descriptors only keep their tag.
func FromAstits(d *astits.PMTData, version uint8, currentNext bool) app.PMT {
	p := app.PMT{
		ProgramNumber: d.ProgramNumber,
		Version:       version & 0x1f,
		CurrentNext:   currentNext,
		Descriptors:   descriptors(d.ProgramDescriptors),
	}
	for _, es := range d.ElementaryStreams {
		if es == nil {
			continue
		}
		p.Streams = append(p.Streams, app.PMTStream{
			StreamType:  uint8(es.StreamType),
			PID:         es.ElementaryPID,
			Descriptors: descriptors(es.ElementaryStreamDescriptors),
		})
	}
	return p
}

func descriptors(in []*astits.Descriptor) []app.Descriptor {
	var out []app.Descriptor
	for _, d := range in {
		if d == nil {
			continue
		}
		desc := app.Descriptor{Tag: d.Tag}
		if d.Unknown != nil {
			desc.Data = append([]byte(nil), d.Unknown.Content...)
		}
		out = append(out, desc)
	}
	return out
}

// Equal reports whether two PMTs carry the same program, streams and
// descriptors. Version and current_next are ignored.
func Equal(a, b app.PMT) bool {
	if a.ProgramNumber != b.ProgramNumber || len(a.Streams) != len(b.Streams) ||
		!sameDescriptors(a.Descriptors, b.Descriptors) {
		return false
	}
	for i := range a.Streams {
		sa, sb := a.Streams[i], b.Streams[i]
		if sa.StreamType != sb.StreamType || sa.PID != sb.PID || !sameDescriptors(sa.Descriptors, sb.Descriptors) {
			return false
		}
	}
	return true
}

func sameDescriptors(a, b []app.Descriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Tag != b[i].Tag || string(a[i].Data) != string(b[i].Data) {
			return false
		}
	}
	return true
}
