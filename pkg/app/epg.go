package app

import (
	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// EPG command ids
const (
	EPGCommandMMI   uint8 = 0x02
	EPGCommandQuery uint8 = 0x03
)

// EPG event status values
const (
	EPGEntitlementUnknown      uint8 = 0x00
	EPGEntitlementAvailable    uint8 = 0x01
	EPGEntitlementNotAvailable uint8 = 0x02
	EPGMMIDialogueRequired     uint8 = 0x03
	EPGMMICompleteUnknown      uint8 = 0x04
	EPGMMICompleteAvailable    uint8 = 0x05
	EPGMMICompleteNotAvailable uint8 = 0x06
)

// EPGEvent identifies an event the host asks about
type EPGEvent struct {
	NetworkID         uint16
	OriginalNetworkID uint16
	TransportStreamID uint16
	ServiceID         uint16
	EventID           uint16
}

// EPGReplyFunc receives the entitlement status of the enquired event
type EPGReplyFunc func(slotID uint8, sn uint16, eventStatus uint8) error

// EPG implements the EPG enquiry resource
type EPG struct {
	resource
	reply callback.Hook[EPGReplyFunc]
}

// NewEPG creates an EPG codec
func NewEPG(sender Sender, log logger.Logger) *EPG {
	return &EPG{resource: newResource(sender, log)}
}

// OnReply registers the epg_reply callback
func (e *EPG) OnReply(fn EPGReplyFunc) { e.reply.Store(fn) }

// Enquire asks the module about an event
func (e *EPG) Enquire(sn uint16, commandID uint8, ev EPGEvent) error {
	return e.sendFixed(sn, TagEPGEnquiry,
		commandID,
		byte(ev.NetworkID>>8), byte(ev.NetworkID),
		byte(ev.OriginalNetworkID>>8), byte(ev.OriginalNetworkID),
		byte(ev.TransportStreamID>>8), byte(ev.TransportStreamID),
		byte(ev.ServiceID>>8), byte(ev.ServiceID),
		byte(ev.EventID>>8), byte(ev.EventID),
	)
}

// Message decodes one APDU from the module
func (e *EPG) Message(slotID uint8, sn uint16, resourceID uint32, data []byte) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	if tag != TagEPGReply {
		return unexpected(tag)
	}
	p, err := fixedPayload(body, 1)
	if err != nil {
		return err
	}
	if cb := e.reply.Load(); cb != nil {
		return cb(slotID, sn, p[0])
	}
	return nil
}
