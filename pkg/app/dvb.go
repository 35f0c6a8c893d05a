package app

import (
	"encoding/binary"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// TuneRequest is a tune object from the module
type TuneRequest struct {
	NetworkID         uint16
	OriginalNetworkID uint16
	TransportStreamID uint16
	ServiceID         uint16
}

type (
	// TuneFunc receives a tune request
	TuneFunc func(slotID uint8, sn uint16, req TuneRequest) error
	// ReplaceFunc receives a PID replacement request
	ReplaceFunc func(slotID uint8, sn uint16, ref uint8, replacedPID, replacementPID uint16) error
	// ClearReplaceFunc cancels a previous replacement
	ClearReplaceFunc func(slotID uint8, sn uint16, ref uint8) error
)

// DVBHostControl implements the DVB host control resource
type DVBHostControl struct {
	resource
	tune         callback.Hook[TuneFunc]
	replace      callback.Hook[ReplaceFunc]
	clearReplace callback.Hook[ClearReplaceFunc]
}

// NewDVBHostControl creates a DVB host control codec
func NewDVBHostControl(sender Sender, log logger.Logger) *DVBHostControl {
	return &DVBHostControl{resource: newResource(sender, log)}
}

func (d *DVBHostControl) OnTune(fn TuneFunc)                 { d.tune.Store(fn) }
func (d *DVBHostControl) OnReplace(fn ReplaceFunc)           { d.replace.Store(fn) }
func (d *DVBHostControl) OnClearReplace(fn ClearReplaceFunc) { d.clearReplace.Store(fn) }

// AskRelease asks the module to give back control of the host
func (d *DVBHostControl) AskRelease(sn uint16) error {
	return d.sendFixed(sn, TagAskRelease)
}

// Message decodes one APDU from the module
func (d *DVBHostControl) Message(slotID uint8, sn uint16, resourceID uint32, data []byte) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	switch tag {
	case TagTune:
		p, err := fixedPayload(body, 8)
		if err != nil {
			return err
		}
		if cb := d.tune.Load(); cb != nil {
			return cb(slotID, sn, TuneRequest{
				NetworkID:         binary.BigEndian.Uint16(p[0:]),
				OriginalNetworkID: binary.BigEndian.Uint16(p[2:]),
				TransportStreamID: binary.BigEndian.Uint16(p[4:]),
				ServiceID:         binary.BigEndian.Uint16(p[6:]),
			})
		}
		return nil
	case TagReplace:
		p, err := fixedPayload(body, 5)
		if err != nil {
			return err
		}
		if cb := d.replace.Load(); cb != nil {
			return cb(slotID, sn, p[0],
				uint16(p[1]&0x1f)<<8|uint16(p[2]),
				uint16(p[3]&0x1f)<<8|uint16(p[4]))
		}
		return nil
	case TagClearReplace:
		p, err := fixedPayload(body, 1)
		if err != nil {
			return err
		}
		if cb := d.clearReplace.Load(); cb != nil {
			return cb(slotID, sn, p[0])
		}
		return nil
	}
	return unexpected(tag)
}
