package app

import (
	"encoding/binary"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// RMEnquiryFunc is called when the module asks for the host profile
type RMEnquiryFunc func(slotID uint8, sn uint16) error

// RMReplyFunc receives the resources the module supports
type RMReplyFunc func(slotID uint8, sn uint16, ids []ResourceID) error

// RMChangedFunc is called when the module's profile changed
type RMChangedFunc func(slotID uint8, sn uint16) error

// ResourceManager implements the resource manager resource
type ResourceManager struct {
	resource
	enquiry callback.Hook[RMEnquiryFunc]
	reply   callback.Hook[RMReplyFunc]
	changed callback.Hook[RMChangedFunc]
}

// NewResourceManager creates a resource manager codec
func NewResourceManager(sender Sender, log logger.Logger) *ResourceManager {
	return &ResourceManager{resource: newResource(sender, log)}
}

// OnEnquiry registers the profile enquiry callback
func (rm *ResourceManager) OnEnquiry(fn RMEnquiryFunc) { rm.enquiry.Store(fn) }

// OnReply registers the profile reply callback
func (rm *ResourceManager) OnReply(fn RMReplyFunc) { rm.reply.Store(fn) }

// OnChanged registers the profile change callback
func (rm *ResourceManager) OnChanged(fn RMChangedFunc) { rm.changed.Store(fn) }

// Enquire asks the module for its profile
func (rm *ResourceManager) Enquire(sn uint16) error {
	return rm.sendFixed(sn, TagProfileEnquiry)
}

// Reply sends the host profile
func (rm *ResourceManager) Reply(sn uint16, ids []ResourceID) error {
	body := make([]byte, 4*len(ids))
	for i, id := range ids {
		binary.BigEndian.PutUint32(body[4*i:], uint32(id))
	}
	hdr, err := header(TagProfile, len(body))
	if err != nil {
		return err
	}
	return rm.sendV(sn, hdr, body)
}

// Changed tells the module the host profile changed
func (rm *ResourceManager) Changed(sn uint16) error {
	return rm.sendFixed(sn, TagProfileChange)
}

// Message decodes one APDU from the module
func (rm *ResourceManager) Message(slotID uint8, sn uint16, resourceID uint32, data []byte) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	switch tag {
	case TagProfileEnquiry:
		if cb := rm.enquiry.Load(); cb != nil {
			return cb(slotID, sn)
		}
		return nil
	case TagProfile:
		return rm.parseProfile(slotID, sn, body)
	case TagProfileChange:
		if cb := rm.changed.Load(); cb != nil {
			return cb(slotID, sn)
		}
		return nil
	}
	return unexpected(tag)
}

func (rm *ResourceManager) parseProfile(slotID uint8, sn uint16, body []byte) error {
	payload, err := lengthPrefixed(body)
	if err != nil {
		return err
	}
	ids := make([]ResourceID, len(payload)/4)
	for i := range ids {
		ids[i] = ResourceID(binary.BigEndian.Uint32(payload[4*i:]))
	}
	if cb := rm.reply.Load(); cb != nil {
		return cb(slotID, sn, ids)
	}
	return nil
}
