package app

import (
	"fmt"

	"github.com/asticode/go-astikit"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// CA_PMT list management values
const (
	ListManagementMore   uint8 = 0x00
	ListManagementFirst  uint8 = 0x01
	ListManagementLast   uint8 = 0x02
	ListManagementOnly   uint8 = 0x03
	ListManagementAdd    uint8 = 0x04
	ListManagementUpdate uint8 = 0x05
)

// CA_PMT command ids
const (
	CmdOKDescrambling uint8 = 0x01
	CmdOKMMI          uint8 = 0x02
	CmdQuery          uint8 = 0x03
	CmdNotSelected    uint8 = 0x04
)

// CA_enable values reported in a CA_PMT reply
const (
	CAEnableDescramblingPossible                 uint8 = 0x01
	CAEnableDescramblingPossiblePurchase         uint8 = 0x02
	CAEnableDescramblingPossibleTechnical        uint8 = 0x03
	CAEnableDescramblingNotPossibleNoEntitlement uint8 = 0x71
	CAEnableDescramblingNotPossibleTechnical     uint8 = 0x73
)

// CAEnable is a CA_enable field with its presence flag
type CAEnable struct {
	Present bool
	Value   uint8
}

func parseCAEnable(b byte) CAEnable {
	return CAEnable{Present: b&0x80 != 0, Value: b & 0x7f}
}

// PMTReplyStream is the per elementary stream part of a CA_PMT reply
type PMTReplyStream struct {
	PID      uint16
	CAEnable CAEnable
}

// PMTReply is a decoded CA_PMT reply
type PMTReply struct {
	ProgramNumber uint16
	Version       uint8
	CurrentNext   bool
	CAEnable      CAEnable
	Streams       []PMTReplyStream
}

// CAInfoFunc receives the CA system ids the module supports
type CAInfoFunc func(slotID uint8, sn uint16, caIDs []uint16) error

// PMTReplyFunc receives a CA_PMT reply
type PMTReplyFunc func(slotID uint8, sn uint16, reply PMTReply) error

// CA implements the conditional access support resource
type CA struct {
	resource
	info  callback.Hook[CAInfoFunc]
	reply callback.Hook[PMTReplyFunc]
}

// NewCA creates a CA support codec
func NewCA(sender Sender, log logger.Logger) *CA {
	return &CA{resource: newResource(sender, log)}
}

// OnInfo registers the CA info callback
func (ca *CA) OnInfo(fn CAInfoFunc) { ca.info.Store(fn) }

// OnPMTReply registers the CA_PMT reply callback
func (ca *CA) OnPMTReply(fn PMTReplyFunc) { ca.reply.Store(fn) }

// InfoEnquire asks the module for its CA system ids
func (ca *CA) InfoEnquire(sn uint16) error {
	return ca.sendFixed(sn, TagCAInfoEnquiry)
}

// SendPMT sends a CA_PMT built by FormatPMT
func (ca *CA) SendPMT(sn uint16, capmt []byte) error {
	hdr, err := header(TagCAPMT, len(capmt))
	if err != nil {
		return err
	}
	return ca.sendV(sn, hdr, capmt)
}

// Message decodes one APDU from the module
func (ca *CA) Message(slotID uint8, sn uint16, resourceID uint32, data []byte) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	switch tag {
	case TagCAInfo:
		payload, err := lengthPrefixed(body)
		if err != nil {
			return err
		}
		ids := make([]uint16, len(payload)/2)
		for i := range ids {
			ids[i] = uint16(payload[2*i])<<8 | uint16(payload[2*i+1])
		}
		if cb := ca.info.Load(); cb != nil {
			return cb(slotID, sn, ids)
		}
		return nil
	case TagCAPMTReply:
		reply, err := parsePMTReply(body)
		if err != nil {
			return err
		}
		if cb := ca.reply.Load(); cb != nil {
			return cb(slotID, sn, reply)
		}
		return nil
	}
	return unexpected(tag)
}

func parsePMTReply(body []byte) (PMTReply, error) {
	var r PMTReply
	payload, err := lengthPrefixed(body)
	if err != nil {
		return r, err
	}
	if len(payload) < 4 {
		return r, fmt.Errorf("%w: CA_PMT reply of %d bytes", ErrShortData, len(payload))
	}

	i := astikit.NewBytesIterator(payload)
	b, _ := i.NextBytesNoCopy(4)
	r.ProgramNumber = uint16(b[0])<<8 | uint16(b[1])
	r.Version = (b[2] >> 1) & 0x1f
	r.CurrentNext = b[2]&0x01 != 0
	r.CAEnable = parseCAEnable(b[3])

	// a trailing partial stream entry is ignored
	for len(payload)-i.Offset() >= 3 {
		s, _ := i.NextBytesNoCopy(3)
		r.Streams = append(r.Streams, PMTReplyStream{
			PID:      uint16(s[0]&0x1f)<<8 | uint16(s[1]),
			CAEnable: parseCAEnable(s[2]),
		})
	}
	return r, nil
}
