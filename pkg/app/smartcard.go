package app

import (
	"fmt"

	"github.com/asticode/go-astikit"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// smartcard command ids
const (
	SmartcardConnect         uint8 = 0x01
	SmartcardDisconnect      uint8 = 0x02
	SmartcardPowerOnCard     uint8 = 0x03
	SmartcardPowerOffCard    uint8 = 0x04
	SmartcardResetCard       uint8 = 0x05
	SmartcardResetStatus     uint8 = 0x06
	SmartcardReadAnswToReset uint8 = 0x07
)

// smartcard reply ids
const (
	SmartcardReplyConnected     uint8 = 0x01
	SmartcardReplyFree          uint8 = 0x02
	SmartcardReplyBusy          uint8 = 0x03
	SmartcardReplyAnswToReset   uint8 = 0x04
	SmartcardReplyNoAnswToReset uint8 = 0x05
)

// smartcard status values
const (
	SmartcardStatusCardInserted     uint8 = 0x01
	SmartcardStatusCardRemoved      uint8 = 0x02
	SmartcardStatusInPlacePowerOff  uint8 = 0x03
	SmartcardStatusInPlacePowerOn   uint8 = 0x04
	SmartcardStatusNoCard           uint8 = 0x05
	SmartcardStatusUnresponsiveCard uint8 = 0x06
	SmartcardStatusRefusedCard      uint8 = 0x07
)

// APDUCommand is an ISO 7816 command the module sends to the card
type APDUCommand struct {
	CLA       uint8
	INS       uint8
	P1        uint8
	P2        uint8
	Data      []byte
	LengthOut uint16
}

type (
	// SmartcardCommandFunc receives a smartcard_cmd
	SmartcardCommandFunc func(slotID uint8, sn uint16, commandID uint8) error
	// SmartcardSendFunc receives a command for the card
	SmartcardSendFunc func(slotID uint8, sn uint16, cmd APDUCommand) error
)

// Smartcard implements the smartcard reader resource
type Smartcard struct {
	resource
	command callback.Hook[SmartcardCommandFunc]
	sendCB  callback.Hook[SmartcardSendFunc]
}

// NewSmartcard creates a smartcard reader codec
func NewSmartcard(sender Sender, log logger.Logger) *Smartcard {
	return &Smartcard{resource: newResource(sender, log)}
}

// OnCommand registers the smartcard_cmd callback
func (s *Smartcard) OnCommand(fn SmartcardCommandFunc) { s.command.Store(fn) }

// OnSend registers the smartcard_send callback
func (s *Smartcard) OnSend(fn SmartcardSendFunc) { s.sendCB.Store(fn) }

// CommandReply answers a smartcard_cmd. atr is only sent with
// SmartcardReplyAnswToReset.
func (s *Smartcard) CommandReply(sn uint16, replyID, status uint8, atr []byte) error {
	if replyID != SmartcardReplyAnswToReset {
		return s.sendFixed(sn, TagSmartcardReply, replyID, status)
	}
	hdr, err := header(TagSmartcardReply, len(atr)+2, replyID, status)
	if err != nil {
		return err
	}
	return s.sendV(sn, hdr, atr)
}

// Receive sends the card's answer with its status words
func (s *Smartcard) Receive(sn uint16, data []byte, sw1, sw2 uint8) error {
	hdr, err := header(TagSmartcardRcv, len(data)+2)
	if err != nil {
		return err
	}
	return s.sendV(sn, hdr, data, []byte{sw1, sw2})
}

// Message decodes one APDU from the module
func (s *Smartcard) Message(slotID uint8, sn uint16, resourceID uint32, data []byte) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	switch tag {
	case TagSmartcardCommand:
		p, err := fixedPayload(body, 1)
		if err != nil {
			return err
		}
		if cb := s.command.Load(); cb != nil {
			return cb(slotID, sn, p[0])
		}
		return nil
	case TagSmartcardSend:
		cmd, err := parseSmartcardSend(body)
		if err != nil {
			return err
		}
		if cb := s.sendCB.Load(); cb != nil {
			return cb(slotID, sn, cmd)
		}
		return nil
	}
	return unexpected(tag)
}

func parseSmartcardSend(body []byte) (APDUCommand, error) {
	var cmd APDUCommand
	payload, err := lengthPrefixed(body)
	if err != nil {
		return cmd, err
	}
	if len(payload) < 8 {
		return cmd, fmt.Errorf("%w: smartcard_send of %d bytes", ErrShortData, len(payload))
	}

	i := astikit.NewBytesIterator(payload)
	b, _ := i.NextBytesNoCopy(6)
	cmd.CLA, cmd.INS, cmd.P1, cmd.P2 = b[0], b[1], b[2], b[3]
	lengthIn := int(b[4])<<8 | int(b[5])
	if lengthIn+8 != len(payload) {
		return cmd, fmt.Errorf("%w: length_in %d in %d bytes", ErrBadLength, lengthIn, len(payload))
	}
	if cmd.Data, err = i.NextBytesNoCopy(lengthIn); err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrShortData, err)
	}
	out, _ := i.NextBytesNoCopy(2)
	cmd.LengthOut = uint16(out[0])<<8 | uint16(out[1])
	return cmd, nil
}
