package app

import (
	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// TeletextFunc receives EBU teletext data
type TeletextFunc func(slotID uint8, sn uint16, data []byte) error

// Teletext implements the teletext resource
type Teletext struct {
	resource
	ebu callback.Hook[TeletextFunc]
}

// NewTeletext creates a teletext codec
func NewTeletext(sender Sender, log logger.Logger) *Teletext {
	return &Teletext{resource: newResource(sender, log)}
}

// OnData registers the teletext_ebu callback
func (t *Teletext) OnData(fn TeletextFunc) { t.ebu.Store(fn) }

// Message decodes one APDU from the module
func (t *Teletext) Message(slotID uint8, sn uint16, resourceID uint32, data []byte) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	if tag != TagTeletextEBU {
		return unexpected(tag)
	}
	payload, err := lengthPrefixed(body)
	if err != nil {
		return err
	}
	if cb := t.ebu.Load(); cb != nil {
		return cb(slotID, sn, payload)
	}
	return nil
}
